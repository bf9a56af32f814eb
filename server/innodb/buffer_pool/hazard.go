package buffer_pool

// GuardedCursor 链表扫描的hazard pointer.
// 扫描者在释放链表锁之前把下一个要访问的节点登记在这里;
// 任何线程移除或重定位节点时, 若节点正被登记, 就把游标挪到它的前驱.
// 读写都需要持有所属链表的锁.
type GuardedCursor struct {
	page *Page
	prev func(*Page) *Page
}

func newGuardedCursor(prev func(*Page) *Page) *GuardedCursor {
	return &GuardedCursor{prev: prev}
}

// Set 登记下一个节点
func (c *GuardedCursor) Set(p *Page) {
	c.page = p
}

// Get 取回(可能已被调整的)节点
func (c *GuardedCursor) Get() *Page {
	return c.page
}

// IsHazard 节点是否被登记
func (c *GuardedCursor) IsHazard(p *Page) bool {
	return c.page != nil && c.page == p
}

// Adjust 节点即将被移除
func (c *GuardedCursor) Adjust(p *Page) {
	if c.IsHazard(p) {
		c.page = c.prev(p)
	}
}

// Move 节点被 to 替换
func (c *GuardedCursor) Move(from, to *Page) {
	if c.IsHazard(from) {
		c.page = to
	}
}

// cursorSet 一个链表上登记的所有游标
type cursorSet []*GuardedCursor

func (s cursorSet) adjust(p *Page) {
	for _, c := range s {
		c.Adjust(p)
	}
}

func (s cursorSet) move(from, to *Page) {
	for _, c := range s {
		c.Move(from, to)
	}
}
