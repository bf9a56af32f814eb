package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-bufcore/logger"
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/server/conf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/engine"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/ibuf"
	"github.com/zhukovaskychina/xmysql-bufcore/server/innodb/page"
)

const help = `
******************************************************************************************
*bufcored: 缓冲池刷新与变更缓冲演示
*1. -configPath   指定my.ini配置文件
*2. -pages        二级索引叶子页数量
*3. -workers      并发修改的协程数
*4. -duration     运行时长
*5. -status       状态输出间隔
******************************************************************************************
`

const benchSpace = 10

func main() {
	var (
		configPath     string
		nPages         int
		workers        int
		duration       time.Duration
		statusInterval time.Duration
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.IntVar(&nPages, "pages", 512, "二级索引叶子页数量")
	flag.IntVar(&workers, "workers", 4, "并发修改的协程数")
	flag.DurationVar(&duration, "duration", 30*time.Second, "运行时长")
	flag.DurationVar(&statusInterval, "status", 5*time.Second, "状态输出间隔")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := logger.InitLogger(cfg.LogConfig()); err != nil {
		logger.Fatalf("init logger: %v", err)
	}

	e, err := engine.Open(cfg)
	if err != nil {
		logger.Fatalf("open engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	w, err := newWorkload(e, nPages)
	if err != nil {
		logger.Errorf("prepare workload: %v", err)
	} else {
		w.run(ctx, workers, statusInterval)
	}

	if out, err := e.StatusTOML(); err == nil {
		fmt.Println(out)
	}
	if err := e.Close(); err != nil {
		logger.Fatalf("close engine: %v", err)
	}
}

// leaf 一个叶子页及已写入的键, purge 只作用于已标记删除的键
type leaf struct {
	mu     sync.Mutex
	id     common.PageID
	live   []int32
	marked []int32
	full   bool
}

type workload struct {
	e      *engine.XMySQLEngine
	idx    *page.Index
	leaves []*leaf

	ops    atomic.Int64
	errs   atomic.Int64
	filled atomic.Int64
}

func newWorkload(e *engine.XMySQLEngine, nPages int) (*workload, error) {
	if err := e.CreateTablespace(benchSpace, "bench", false); err != nil {
		return nil, err
	}
	w := &workload{
		e: e,
		idx: page.NewIndex(1000, "idx_bench", benchSpace,
			page.Column{Name: "k", Type: page.FieldInt, NotNull: true},
			page.Column{Name: "payload", Type: page.FieldVarchar}),
	}
	for i := 0; i < nPages; i++ {
		id, err := e.CreateIndexPage(w.idx)
		if err != nil {
			return nil, errors.Wrapf(err, "create leaf %d", i)
		}
		w.leaves = append(w.leaves, &leaf{id: id})
	}
	logger.Infof("workload prepared: %d leaf pages in space %d", nPages, benchSpace)
	return w, nil
}

func (w *workload) run(ctx context.Context, workers int, statusInterval time.Duration) {
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			w.worker(ctx, rand.New(rand.NewSource(seed)))
		}(time.Now().UnixNano() + int64(i))
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			elapsed := time.Since(start)
			logger.Infof("workload finished: %s operations in %s (%s/s), %d errors, %d full pages",
				humanize.Comma(w.ops.Load()), elapsed.Round(time.Millisecond),
				humanize.Comma(int64(float64(w.ops.Load())/elapsed.Seconds())), w.errs.Load(), w.filled.Load())
			return
		case <-ticker.C:
			if st, err := w.e.Status(); err == nil {
				logger.Infof("status after %s operations:\n%s", humanize.Comma(w.ops.Load()), st)
			}
		}
	}
}

func (w *workload) worker(ctx context.Context, r *rand.Rand) {
	for ctx.Err() == nil {
		lf := w.leaves[r.Intn(len(w.leaves))]
		lf.mu.Lock()
		if lf.full && len(lf.live) == 0 && len(lf.marked) == 0 {
			lf.mu.Unlock()
			continue
		}
		op, tuple := w.pick(lf, r)
		err := w.e.SecondaryIndexOp(op, w.idx, tuple, lf.id)
		w.apply(lf, op, tuple, err)
		lf.mu.Unlock()
		w.ops.Add(1)
	}
}

// pick 以插入为主, 穿插标记删除与 purge
func (w *workload) pick(lf *leaf, r *rand.Rand) (ibuf.Op, page.Tuple) {
	n := r.Intn(10)
	switch {
	case n < 2 && len(lf.marked) > 0:
		i := r.Intn(len(lf.marked))
		return ibuf.IBUF_OP_DELETE, w.tuple(lf.marked[i])
	case n < 4 && len(lf.live) > 0:
		i := r.Intn(len(lf.live))
		return ibuf.IBUF_OP_DELETE_MARK, w.tuple(lf.live[i])
	case lf.full && len(lf.live) > 0:
		return ibuf.IBUF_OP_DELETE_MARK, w.tuple(lf.live[0])
	case lf.full:
		return ibuf.IBUF_OP_DELETE, w.tuple(lf.marked[0])
	}
	return ibuf.IBUF_OP_INSERT, w.tuple(r.Int31())
}

func (w *workload) tuple(k int32) page.Tuple {
	return page.Tuple{page.IntField(k), page.VarcharField(fmt.Sprintf("payload-%08x", k))}
}

func (w *workload) apply(lf *leaf, op ibuf.Op, t page.Tuple, err error) {
	k := t[0].Int()
	switch {
	case err == nil:
	case errors.Is(err, page.ErrPageFull):
		if !lf.full {
			lf.full = true
			w.filled.Add(1)
		}
		return
	case errors.Is(err, engine.ErrDuplicateKey):
		return
	case errors.Is(err, engine.ErrRecordNotFound):
		// 缓冲的插入在合并时可能因页面已满被丢弃
		lf.live = remove(lf.live, k)
		lf.marked = remove(lf.marked, k)
		return
	default:
		w.errs.Add(1)
		logger.Warnf("%s on page %s: %v", op, lf.id, err)
		return
	}
	switch op {
	case ibuf.IBUF_OP_INSERT:
		lf.marked = remove(lf.marked, k)
		lf.live = append(lf.live, k)
	case ibuf.IBUF_OP_DELETE_MARK:
		lf.live = remove(lf.live, k)
		lf.marked = append(lf.marked, k)
	case ibuf.IBUF_OP_DELETE:
		lf.marked = remove(lf.marked, k)
		lf.full = false
	}
}

func remove(keys []int32, k int32) []int32 {
	for i, v := range keys {
		if v == k {
			keys[i] = keys[len(keys)-1]
			return keys[:len(keys)-1]
		}
	}
	return keys
}
