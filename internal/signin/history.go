package signin

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"signbot/internal/storage"
	logx "signbot/pkg/logx"
)

// Storage namespaces owned by the engine. Anything else found in the store
// at run start is stale scratch data and is purged.
const (
	nsRecord = "record"
	nsSite   = "site"
)

// RecordEntry is one line of the day's run record.
type RecordEntry struct {
	Site   string `json:"site"`
	Status string `json:"status"`
}

// Progress is the per-type, per-day done/retry tracking record.
type Progress struct {
	Do    []int64 `json:"do"`
	Retry []int64 `json:"retry"`
}

var (
	reRecordKey = regexp.MustCompile(`(\d+)月(\d+)日`)
	reSiteKey   = regexp.MustCompile(`(\d+)-(\d+)-(\d+)`)
)

// History persists run records and site progress records in the KV store.
type History struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewHistory(store storage.Store, log logx.Logger) *History {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &History{store: store, log: log, now: time.Now}
}

// RecordKey formats a day into the month-day label run records are keyed by.
// The label is not year-qualified and rolls over yearly.
func RecordKey(t time.Time) string {
	return strconv.Itoa(int(t.Month())) + "月" + strconv.Itoa(t.Day()) + "日"
}

// DayKey formats a day into the date part of progress record keys.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

func progressKey(t TaskType, day string) string { return string(t) + "-" + day }

// AppendRecord appends entries to the day's run record, creating it on the
// first completed run of the day. Existing entries are never rewritten.
func (h *History) AppendRecord(ctx context.Context, key string, entries []RecordEntry) error {
	if len(entries) == 0 {
		return nil
	}
	existing, err := h.record(ctx, key)
	if err != nil {
		return err
	}
	existing = append(existing, entries...)
	b, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return h.store.Put(ctx, nsRecord, key, string(b))
}

func (h *History) record(ctx context.Context, key string) ([]RecordEntry, error) {
	raw, ok, err := h.store.Get(ctx, nsRecord, key)
	if err != nil || !ok {
		return nil, err
	}
	var entries []RecordEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// Unreadable old value: start the day fresh rather than fail the run.
		h.log.Warn("run record unreadable", logx.String("key", key), logx.Err(err))
		return nil, nil
	}
	return entries, nil
}

// Records returns the run record entries for the last N day labels,
// newest day first.
func (h *History) Records(ctx context.Context, days int) (map[string][]RecordEntry, []string, error) {
	keys, err := h.store.Keys(ctx, nsRecord)
	if err != nil {
		return nil, nil, err
	}
	today := h.now()
	type dayKey struct {
		key string
		at  time.Time
	}
	var picked []dayKey
	for _, key := range keys {
		at, ok := parseRecordKey(key, today)
		if !ok {
			continue
		}
		if days > 0 && today.Sub(at) >= time.Duration(days)*24*time.Hour {
			continue
		}
		picked = append(picked, dayKey{key: key, at: at})
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].at.After(picked[j].at) })

	out := make(map[string][]RecordEntry, len(picked))
	order := make([]string, 0, len(picked))
	for _, dk := range picked {
		entries, err := h.record(ctx, dk.key)
		if err != nil {
			return nil, nil, err
		}
		out[dk.key] = entries
		order = append(order, dk.key)
	}
	return out, order, nil
}

// Progress loads the day's progress record for the run type. Absent records
// return nil ("first run of the day").
func (h *History) Progress(ctx context.Context, t TaskType, day string) (*Progress, error) {
	raw, ok, err := h.store.Get(ctx, nsSite, progressKey(t, day))
	if err != nil || !ok {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		h.log.Warn("progress record unreadable", logx.String("key", progressKey(t, day)), logx.Err(err))
		return nil, nil
	}
	return &p, nil
}

// SaveProgress stores the day's progress record, replacing any previous one.
func (h *History) SaveProgress(ctx context.Context, t TaskType, day string, p Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return h.store.Put(ctx, nsSite, progressKey(t, day), string(b))
}

// Sweep prunes run-type entries older than the retention window. Run record
// entries are matched by run label in the status text; progress records by
// key prefix. Day labels dated in the future belong to last year.
func (h *History) Sweep(ctx context.Context, t TaskType, days int) error {
	today := h.now()
	window := time.Duration(days) * 24 * time.Hour
	label := t.Label()

	keys, err := h.store.Keys(ctx, nsRecord)
	if err != nil {
		return err
	}
	for _, key := range keys {
		at, ok := parseRecordKey(key, today)
		if !ok {
			continue
		}
		if today.Sub(at) < window {
			continue
		}
		entries, err := h.record(ctx, key)
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Status != "" && strings.Contains(e.Status, label) {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			h.log.Debug("pruning run record", logx.String("key", key))
			if err := h.store.Delete(ctx, nsRecord, key); err != nil {
				return err
			}
			continue
		}
		b, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		if err := h.store.Put(ctx, nsRecord, key, string(b)); err != nil {
			return err
		}
	}

	keys, err = h.store.Keys(ctx, nsSite)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, string(t)+"-") {
			continue
		}
		m := reSiteKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		at, err := time.ParseInLocation("2006-01-02", m[1]+"-"+pad2(m[2])+"-"+pad2(m[3]), today.Location())
		if err != nil {
			continue
		}
		if today.Sub(at) < window {
			continue
		}
		h.log.Debug("pruning progress record", logx.String("key", key))
		if err := h.store.Delete(ctx, nsSite, key); err != nil {
			return err
		}
	}
	return nil
}

// PurgeStale drops every namespace other than the two the engine owns.
func (h *History) PurgeStale(ctx context.Context) error {
	nss, err := h.store.Namespaces(ctx)
	if err != nil {
		return err
	}
	for _, ns := range nss {
		if ns == nsRecord || ns == nsSite {
			continue
		}
		h.log.Debug("purging stale namespace", logx.String("ns", ns))
		if err := h.store.DeleteNamespace(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// parseRecordKey resolves a month-day label to a concrete date. Labels that
// would land in the future are interpreted as last year's.
func parseRecordKey(key string, today time.Time) (time.Time, bool) {
	m := reRecordKey.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, false
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	at := time.Date(today.Year(), time.Month(month), day, 0, 0, 0, 0, today.Location())
	if at.After(today) {
		at = time.Date(today.Year()-1, time.Month(month), day, 0, 0, 0, 0, today.Location())
	}
	return at, true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
