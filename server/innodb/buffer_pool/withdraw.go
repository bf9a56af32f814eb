package buffer_pool

import (
	"time"

	"github.com/pkg/errors"
)

// 收缩时等待被引用页面释放的最大轮数
const maxWithdrawRounds = 200

// withdrawDepthLocked LRU批次需要额外腾出的空闲块数
func (inst *Instance) withdrawDepthLocked() int {
	return inst.withdrawPending
}

// Withdraw 收缩实例: 末尾 n 个块不再参与分配(buf_pool_withdraw_blocks).
// 空闲块直接移出, 干净页被淘汰, 未被引用的脏页搬到区域外的空闲块,
// 在flush list中保持原来的位置. 返回实际移出的块数
func (inst *Instance) Withdraw(n int) (int, error) {
	inst.mu.Lock()
	if n <= 0 {
		inst.mu.Unlock()
		return 0, nil
	}
	if inst.currSize-n < inst.cfg.LRUMinLen || inst.currSize-n < 16 {
		inst.mu.Unlock()
		return 0, errors.Wrapf(ErrInvalidConfig, "cannot withdraw %d of %d blocks", n, inst.currSize)
	}
	area := make([]*Page, 0, n)
	for i := len(inst.blocks) - 1; i >= 0 && len(area) < n; i-- {
		b := inst.blocks[i]
		b.mu.Lock()
		if !b.withdrawn {
			b.withdrawn = true
			area = append(area, b)
		}
		b.mu.Unlock()
	}
	inst.withdrawPending = len(area)
	inst.mu.Unlock()

	for round := 0; ; round++ {
		inst.mu.Lock()
		pending := inst.withdrawRoundLocked(area)
		inst.withdrawPending = pending
		inst.mu.Unlock()
		if pending == 0 {
			break
		}
		if round >= maxWithdrawRounds {
			done := inst.cancelWithdraw(area)
			log.Warnf("instance %d: withdrew %d of %d blocks, %d are still in use", inst.id, done, len(area), len(area)-done)
			return done, NewError("Withdraw", errors.Wrapf(ErrPageFixed, "%d blocks still in use", len(area)-done))
		}
		// 为搬迁脏页准备空闲块
		inst.DoBatch(BUF_FLUSH_LRU, pending, 0)
		time.Sleep(10 * time.Millisecond)
	}

	inst.mu.Lock()
	inst.currSize -= len(area)
	inst.mu.Unlock()
	log.Infof("instance %d: withdrew %d blocks", inst.id, len(area))
	return len(area), nil
}

// withdrawRoundLocked 处理一遍收缩区域, 返回还没有移出的块数
func (inst *Instance) withdrawRoundLocked(area []*Page) int {
	kept := inst.free[:0]
	for _, b := range inst.free {
		b.mu.Lock()
		if b.withdrawn {
			b.state = BUF_BLOCK_MEMORY
			b.mu.Unlock()
			continue
		}
		b.mu.Unlock()
		kept = append(kept, b)
	}
	inst.free = kept

	pending := 0
	for _, b := range area {
		b.mu.Lock()
		switch b.state {
		case BUF_BLOCK_MEMORY:
			b.mu.Unlock()
		case BUF_BLOCK_NOT_USED:
			b.state = BUF_BLOCK_MEMORY
			b.mu.Unlock()
		case BUF_BLOCK_FILE_PAGE:
			if b.readyForReplaceLocked() {
				inst.evictLocked(b)
				continue
			}
			if b.bufFix == 0 && b.ioFix == BUF_IO_NONE && b.oldestModification.Load() != 0 {
				if to := inst.takeFreeLocked(); to != nil {
					inst.relocateLocked(b, to)
					continue
				}
			}
			b.mu.Unlock()
			pending++
		case BUF_BLOCK_READY_FOR_USE, BUF_BLOCK_REMOVE_HASH, BUF_BLOCK_POOL_WATCH:
			b.mu.Unlock()
			pending++
		}
	}
	return pending
}

// relocateLocked 把未被引用的页面搬到空闲块 to(buf_relocate).
// 调用者持有 inst.mu 与 from.mu, 返回时 from.mu 已释放
func (inst *Instance) relocateLocked(from, to *Page) {
	to.mu.Lock()
	id := from.id
	copy(to.frame, from.frame)
	to.id = id
	to.state = BUF_BLOCK_FILE_PAGE
	to.ioFix = BUF_IO_NONE
	to.newestModification.Store(from.newestModification.Load())
	to.accessTime.Store(from.accessTime.Load())
	to.latch.SetLevel(from.latch.Level())
	inst.lru.Replace(from, to)
	inst.pageHash.Store(id, to)
	inst.flushList.Relocate(from, to)
	to.mu.Unlock()

	from.resetLocked()
	from.state = BUF_BLOCK_MEMORY
	from.mu.Unlock()
}

// cancelWithdraw 放弃还在使用中的块, 返回已经移出的块数
func (inst *Instance) cancelWithdraw(area []*Page) int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	done := 0
	for _, b := range area {
		b.mu.Lock()
		if b.state == BUF_BLOCK_MEMORY {
			done++
		} else {
			b.withdrawn = false
		}
		b.mu.Unlock()
	}
	inst.currSize -= done
	inst.withdrawPending = 0
	return done
}

// Withdraw 每个实例收缩 n 个块
func (pool *Pool) Withdraw(n int) (int, error) {
	total := 0
	for _, inst := range pool.instances {
		done, err := inst.Withdraw(n)
		total += done
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
