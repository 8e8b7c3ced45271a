package cache

import (
	"sync"
	"time"

	"github.com/iurnickita/ecowallet/internal/cache/config"
	"github.com/iurnickita/ecowallet/internal/model"
)

const DefaultTTL = 3 * time.Minute

// Entry - закэшированный кошелек пользователя
type Entry struct {
	UserID    string
	Snapshot  model.WalletSnapshot
	FetchedAt time.Time
	TTL       time.Duration

	invalidated bool
}

// Fresh - запись не истекла и не инвалидирована
func (e Entry) Fresh(now time.Time) bool {
	return !e.invalidated && now.Sub(e.FetchedAt) < e.TTL
}

// Cache - единственное разделяемое изменяемое состояние: userID -> Entry.
// Каждое удаление пользователя увеличивает его поколение; результаты расчетов,
// запущенных в старом поколении, отбрасываются в PutIfCurrent.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*Entry

	seq     uint64
	userGen map[string]uint64
	allGen  uint64
}

// New - now может быть nil, тогда используется time.Now
func New(cfg config.Config, now func() time.Time) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]*Entry),
		userGen: make(map[string]uint64),
	}
}

// Get - только свежий кошелек. false - промах (нет записи или она устарела).
func (c *Cache) Get(userID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok || !entry.Fresh(c.now()) {
		return Entry{}, false
	}
	return *entry, true
}

// Peek - запись даже если устарела, для показа пока идет пересчет
func (c *Cache) Peek(userID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Put - сохранить кошелек. Более старый по ComputedAt кошелек не заменяет новый.
func (c *Cache) Put(userID string, snapshot model.WalletSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.put(userID, snapshot)
}

// PutIfCurrent - сохранить, только если поколение пользователя не изменилось
// с момента запуска расчета
func (c *Cache) PutIfCurrent(userID string, generation uint64, snapshot model.WalletSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation(userID) != generation {
		return false
	}
	return c.put(userID, snapshot)
}

func (c *Cache) put(userID string, snapshot model.WalletSnapshot) bool {
	if entry, ok := c.entries[userID]; ok && entry.Snapshot.ComputedAt.After(snapshot.ComputedAt) {
		return false
	}
	c.entries[userID] = &Entry{
		UserID:    userID,
		Snapshot:  snapshot,
		FetchedAt: c.now(),
		TTL:       c.ttl,
	}
	return true
}

// Generation - текущее поколение пользователя
func (c *Cache) Generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.generation(userID)
}

func (c *Cache) generation(userID string) uint64 {
	return max(c.userGen[userID], c.allGen)
}

// Invalidate - следующий Get вернет промах. Запись остается для Peek.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[userID]; ok {
		entry.invalidated = true
	}
}

// Remove - удалить запись пользователя и сменить его поколение
func (c *Cache) Remove(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, userID)
	c.seq++
	c.userGen[userID] = c.seq
}

// InvalidateAll - удалить все записи (выход, смена пользователя)
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.seq++
	c.allGen = c.seq
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
