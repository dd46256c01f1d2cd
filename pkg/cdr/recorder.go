package cdr

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Record types.
const (
	TypeCall     = "CALL"
	TypeRegister = "REGISTER"
	TypeMessage  = "MESSAGE"
	TypeOptions  = "OPTIONS"
)

// Call states.
const (
	StateStarted      = "STARTED"
	StateRinging      = "RINGING"
	StateAnswered     = "ANSWERED"
	StateEnded        = "ENDED"
	StateFailed       = "FAILED"
	StateCancelled    = "CANCELLED"
	StateCompleted    = "COMPLETED"
	StateSuccess      = "SUCCESS"
	StateUnregistered = "UNREGISTERED"
)

// Fields is the fixed CSV column order.
var Fields = []string{
	"record_id",
	"record_type",
	"call_state",
	"date",
	"start_time",
	"end_time",
	"call_id",
	"caller_uri",
	"caller_number",
	"caller_ip",
	"caller_port",
	"callee_uri",
	"callee_number",
	"callee_ip",
	"callee_port",
	"duration",
	"setup_time",
	"status_code",
	"status_text",
	"termination_reason",
	"invite_time",
	"ringing_time",
	"answer_time",
	"bye_time",
	"user_agent",
	"contact",
	"expires",
	"message_body",
	"server_ip",
	"server_port",
	"cseq",
	"extra_info",
}

// Row is one record in progress, keyed by the Fields names.
type Row map[string]string

// Publisher receives every row that reaches stable storage. Optional.
type Publisher interface {
	PublishCDR(row Row) error
}

// Recorder merges each call-id's lifecycle into a single row and
// writes it to a date-bucketed CSV exactly once. Retransmitted
// terminal messages find the call-id in the flushed tombstone set and
// produce nothing.
type Recorder struct {
	logger    *logrus.Logger
	baseDir   string
	mergeMode bool

	// One lock serializes cache, tombstones and the CSV file: a single
	// row per call-id is a hard invariant.
	mutex sync.Mutex

	cache    map[string]Row
	flushed  map[string]time.Time
	sessions map[string]time.Time

	publisher Publisher
}

// New creates a recorder writing under baseDir. With mergeMode off a
// row is written per milestone instead of merged per call-id.
func New(baseDir string, mergeMode bool, logger *logrus.Logger) (*Recorder, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create CDR directory: %w", err)
	}
	r := &Recorder{
		logger:    logger,
		baseDir:   baseDir,
		mergeMode: mergeMode,
		cache:     make(map[string]Row),
		flushed:   make(map[string]time.Time),
		sessions:  make(map[string]time.Time),
	}
	logger.WithFields(logrus.Fields{
		"base_dir":   baseDir,
		"merge_mode": mergeMode,
	}).Info("CDR recorder initialized")
	return r, nil
}

// SetPublisher attaches an optional downstream publisher for flushed
// rows.
func (r *Recorder) SetPublisher(p Publisher) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.publisher = p
}

// dailyFile returns today's CSV path, creating directory and header
// on first use. Creation is idempotent.
func (r *Recorder) dailyFile(now time.Time) (string, error) {
	dateStr := now.Format("2006-01-02")
	dir := filepath.Join(r.baseDir, dateStr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("cdr_%s.csv", dateStr))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return path, nil
			}
			return "", err
		}
		w := csv.NewWriter(f)
		if err := w.Write(Fields); err != nil {
			f.Close()
			return "", err
		}
		w.Flush()
		if err := f.Close(); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (r *Recorder) appendRow(row Row) error {
	now := time.Now()
	path, err := r.dailyFile(now)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	record := make([]string, len(Fields))
	for i, field := range Fields {
		record[i] = row[field]
	}
	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// updateOrCreate upserts the in-progress row; only non-empty values
// overwrite. Caller holds the lock.
func (r *Recorder) updateOrCreate(callID string, updates Row) Row {
	now := time.Now()
	row, ok := r.cache[callID]
	if !ok {
		row = make(Row, len(Fields))
		row["record_id"] = uuid.New().String()
		row["call_id"] = callID
		row["date"] = now.Format("2006-01-02")
		row["start_time"] = now.Format("15:04:05")
		r.cache[callID] = row
	}
	for k, v := range updates {
		if v != "" {
			row[k] = v
		}
	}
	if row["caller_uri"] != "" && row["caller_number"] == "" {
		row["caller_number"] = extractNumber(row["caller_uri"])
	}
	if row["callee_uri"] != "" && row["callee_number"] == "" {
		row["callee_number"] = extractNumber(row["callee_uri"])
	}
	row["end_time"] = now.Format("15:04:05")
	return row
}

// record applies a milestone. In merge mode the row stays cached until
// a flush; otherwise each milestone is written out directly.
func (r *Recorder) record(callID string, updates Row) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.mergeMode {
		r.updateOrCreate(callID, updates)
		return
	}
	row := r.updateOrCreate(callID, updates)
	snapshot := make(Row, len(row))
	for k, v := range row {
		snapshot[k] = v
	}
	snapshot["record_id"] = uuid.New().String()
	if err := r.appendRow(snapshot); err != nil {
		r.logger.WithError(err).Error("Failed to write CDR row")
	}
}

// Flush writes the cached row for callID and tombstones the id. With
// force false a tombstoned id is dropped from cache without a second
// write; force true is used by shutdown.
func (r *Recorder) Flush(callID string, force bool) {
	r.mutex.Lock()
	row, pub := r.flushLocked(callID, force)
	r.mutex.Unlock()
	if row != nil {
		r.publish(pub, row)
	}
}

// flushLocked performs the write under the lock and hands back the
// row to publish (the broker send happens outside the lock).
func (r *Recorder) flushLocked(callID string, force bool) (Row, Publisher) {
	row, ok := r.cache[callID]
	if !ok {
		return nil, nil
	}
	delete(r.cache, callID)
	delete(r.sessions, callID)

	if _, done := r.flushed[callID]; done && !force {
		r.logger.WithFields(logrus.Fields{
			"call_id": callID,
		}).Debug("CDR already flushed, dropping duplicate")
		return nil, nil
	}

	if r.mergeMode {
		if err := r.appendRow(row); err != nil {
			r.logger.WithError(err).WithField("call_id", callID).Error("Failed to write CDR row")
			return nil, nil
		}
	}
	r.flushed[callID] = time.Now()

	r.logger.WithFields(logrus.Fields{
		"call_id":     callID,
		"record_type": row["record_type"],
		"call_state":  row["call_state"],
	}).Info("CDR row flushed")
	return row, r.publisher
}

func (r *Recorder) publish(p Publisher, row Row) {
	if p == nil {
		return
	}
	if err := p.PublishCDR(row); err != nil {
		r.logger.WithError(err).WithField("call_id", row["call_id"]).Warning("CDR publish failed")
	}
}

// IsFlushed reports whether the id already reached stable storage.
func (r *Recorder) IsFlushed(callID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.flushed[callID]
	return ok
}

// FlushAll force-writes every in-progress row. Called on shutdown so
// no call lifetime is silently lost.
func (r *Recorder) FlushAll() {
	r.mutex.Lock()
	var pending []Row
	var p Publisher
	for callID := range r.cache {
		if row, pub := r.flushLocked(callID, true); row != nil {
			pending = append(pending, row)
			p = pub
		}
	}
	r.mutex.Unlock()

	for _, row := range pending {
		r.publish(p, row)
	}
}

// SweepFlushed evicts tombstones older than maxAge so memory stays
// bounded, returning the eviction count.
func (r *Recorder) SweepFlushed(maxAge time.Duration) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	removed := 0
	for callID, at := range r.flushed {
		if now.Sub(at) > maxAge {
			delete(r.flushed, callID)
			removed++
		}
	}
	return removed
}

// extractNumber pulls the user part out of a SIP URI-ish string.
func extractNumber(uri string) string {
	s := uri
	if lt := strings.IndexByte(s, '<'); lt >= 0 {
		s = s[lt+1:]
	}
	if colon := strings.Index(s, "sip:"); colon >= 0 {
		s = s[colon+4:]
	} else if colon := strings.Index(s, "sips:"); colon >= 0 {
		s = s[colon+5:]
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		return s[:at]
	}
	if end := strings.IndexAny(s, ";>"); end >= 0 {
		return s[:end]
	}
	return s
}

func milestone(t time.Time) string { return t.Format("15:04:05.000") }
