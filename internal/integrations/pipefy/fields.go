package pipefy

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FieldKey is the semantic name of a start-form field.
type FieldKey string

const (
	FieldName            FieldKey = "nome"
	FieldEmail           FieldKey = "email"
	FieldCompany         FieldKey = "empresa"
	FieldNeed            FieldKey = "necessidade"
	FieldInterest        FieldKey = "interesse"
	FieldMeetingLink     FieldKey = "link_reuniao"
	FieldMeetingDateTime FieldKey = "data_reuniao"
)

// fieldLabels maps start-form labels, matched exactly, to semantic keys.
var fieldLabels = map[string]FieldKey{
	"Nome":                 FieldName,
	"Email":                FieldEmail,
	"Empresa":              FieldCompany,
	"Necessidade":          FieldNeed,
	"Interesse_confirmado": FieldInterest,
	"Meeting_link":         FieldMeetingLink,
	"Data Reuniao":         FieldMeetingDateTime,
}

// FieldIDs maps semantic keys to the pipe's opaque field ids.
type FieldIDs map[FieldKey]string

func (f FieldIDs) clone() FieldIDs {
	out := make(FieldIDs, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the resolved keys in sorted order.
func (f FieldIDs) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func mapFieldLabels(fields []startFormField) FieldIDs {
	ids := FieldIDs{}
	for _, f := range fields {
		if key, ok := fieldLabels[f.Label]; ok && f.ID != "" {
			ids[key] = f.ID
		}
	}
	return ids
}

// FieldCache memoizes a pipe's field ids. Once it holds at least one entry it
// is never refreshed; failed loads are not cached. Concurrent first loads
// share a single fetch.
type FieldCache struct {
	mu    sync.RWMutex
	ids   FieldIDs
	group singleflight.Group
}

func NewFieldCache() *FieldCache {
	return &FieldCache{}
}

func (c *FieldCache) cached() (FieldIDs, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.ids) == 0 {
		return nil, false
	}
	return c.ids.clone(), true
}

// Load returns the cached ids, calling fetch when the cache is empty.
func (c *FieldCache) Load(ctx context.Context, fetch func(context.Context) (FieldIDs, error)) (FieldIDs, error) {
	if ids, ok := c.cached(); ok {
		return ids, nil
	}
	v, err, _ := c.group.Do("field_ids", func() (any, error) {
		if ids, ok := c.cached(); ok {
			return ids, nil
		}
		ids, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, errors.New("pipefy: field cache: empty field set")
		}
		c.mu.Lock()
		c.ids = ids.clone()
		c.mu.Unlock()
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(FieldIDs).clone(), nil
}
