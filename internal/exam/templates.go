package exam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hackgods/outpatient-exam-booking/internal/cache"
)

const activeTemplatesKey = "active"

// TemplateCache keeps the active time slot templates in memory and reloads
// them from storage once the TTL has passed.
type TemplateCache struct {
	repo TemplateRepository
	ttl  time.Duration

	mu       sync.Mutex // one reload at a time
	snapshot *cache.Memory[[]TimeSlotTemplate]
}

func NewTemplateCache(repo TemplateRepository, ttl time.Duration) *TemplateCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TemplateCache{
		repo:     repo,
		ttl:      ttl,
		snapshot: cache.NewMemory[[]TimeSlotTemplate](),
	}
}

// Active returns the active templates ordered by time of day. The slice is a
// copy and may be modified by the caller.
func (c *TemplateCache) Active(ctx context.Context) ([]TimeSlotTemplate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, ok, _ := c.snapshot.Get(ctx, activeTemplatesKey)
	if !ok {
		loaded, err := c.repo.ListActiveTemplates(ctx)
		if err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}

		items = make([]TimeSlotTemplate, 0, len(loaded))
		for _, t := range loaded {
			if !t.IsActive {
				continue
			}
			norm, err := normalizeTime(t.Time)
			if err != nil {
				continue
			}
			t.Time = norm
			items = append(items, t)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Time < items[j].Time })
		_ = c.snapshot.Put(ctx, activeTemplatesKey, items, c.ttl)
	}

	out := make([]TimeSlotTemplate, len(items))
	copy(out, items)
	return out, nil
}

// Invalidate forces the next Active call to hit storage.
func (c *TemplateCache) Invalidate() {
	_ = c.snapshot.Invalidate(context.Background(), activeTemplatesKey)
}

func (c *TemplateCache) Close() {
	c.snapshot.Close()
}
