package cdr

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipproxy-server/pkg/transport"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestRecorder(t *testing.T, merge bool) *Recorder {
	t.Helper()
	r, err := New(t.TempDir(), merge, testLogger())
	require.NoError(t, err)
	return r
}

// readRows loads today's CSV, header excluded.
func readRows(t *testing.T, r *Recorder) []map[string]string {
	t.Helper()
	dateStr := time.Now().Format("2006-01-02")
	path := filepath.Join(r.baseDir, dateStr, fmt.Sprintf("cdr_%s.csv", dateStr))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, Fields, records[0], "header must match the fixed field order")

	var rows []map[string]string
	for _, rec := range records[1:] {
		row := make(map[string]string)
		for i, field := range Fields {
			row[field] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows
}

func addr(host string, port int) transport.Endpoint {
	return transport.Endpoint{Host: host, Port: port}
}

func TestCallLifecycleProducesSingleRow(t *testing.T) {
	r := newTestRecorder(t, true)
	caller := addr("10.0.0.2", 5060)
	callee := addr("10.0.0.3", 5060)

	r.CallStart("call-1", "<sip:1001@sip.local>", "<sip:1002@sip.local>", caller, callee,
		"softphone/1.0", "1 INVITE", "192.0.2.1", 5060)
	assert.Empty(t, readRows(t, r), "row must stay cached until a terminal milestone")

	r.CallRinging("call-1")
	r.CallAnswer("call-1", callee)
	r.CallEnd("call-1", "Normal", "2 BYE")

	rows := readRows(t, r)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, TypeCall, row["record_type"])
	assert.Equal(t, StateEnded, row["call_state"])
	assert.Equal(t, "1001", row["caller_number"])
	assert.Equal(t, "1002", row["callee_number"])
	assert.Equal(t, "Normal", row["termination_reason"])
	assert.NotEmpty(t, row["invite_time"])
	assert.NotEmpty(t, row["ringing_time"])
	assert.NotEmpty(t, row["answer_time"])
	assert.NotEmpty(t, row["bye_time"])
	assert.NotEmpty(t, row["duration"])
	assert.NotEmpty(t, row["record_id"])
}

func TestRetransmittedTerminalWritesOnce(t *testing.T) {
	r := newTestRecorder(t, true)
	caller := addr("10.0.0.2", 5060)
	callee := addr("10.0.0.3", 5060)

	r.CallStart("call-486", "<sip:1001@a>", "<sip:1002@b>", caller, callee, "", "1 INVITE", "192.0.2.1", 5060)

	// The 486 arrives three times; only the first may produce a row.
	for i := 0; i < 3; i++ {
		r.CallFail("call-486", 486, "Busy Here", "")
	}

	rows := readRows(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, StateFailed, rows[0]["call_state"])
	assert.Equal(t, "486", rows[0]["status_code"])
}

func TestRegisterRefreshNotReemitted(t *testing.T) {
	r := newTestRecorder(t, true)
	src := addr("10.0.0.2", 5060)

	r.Register("reg-1", "sip:1001@sip.local", src, "sip:1001@10.0.0.2:5060", 3600, "ua", "1 REGISTER", "192.0.2.1", 5060)
	r.Register("reg-1", "sip:1001@sip.local", src, "sip:1001@10.0.0.2:5060", 3600, "ua", "2 REGISTER", "192.0.2.1", 5060)

	rows := readRows(t, r)
	require.Len(t, rows, 1, "refresh within the same Call-ID must not re-emit")
	assert.Equal(t, TypeRegister, rows[0]["record_type"])
	assert.Equal(t, StateSuccess, rows[0]["call_state"])
}

func TestUnregisterRow(t *testing.T) {
	r := newTestRecorder(t, true)
	r.Unregister("unreg-1", "sip:1001@sip.local", addr("10.0.0.2", 5060), "sip:1001@10.0.0.2:5060", "ua", "3 REGISTER")

	rows := readRows(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, StateUnregistered, rows[0]["call_state"])
	assert.Equal(t, "0", rows[0]["expires"])
}

func TestMessageDedupByCSeq(t *testing.T) {
	r := newTestRecorder(t, true)
	src := addr("10.0.0.2", 5060)

	// Same Call-ID family, distinct CSeq: two rows.
	r.Message("msg-1-1 MESSAGE", "msg-1", "<sip:1001@a>", "<sip:1002@b>", src, "hello", "", "1 MESSAGE", "192.0.2.1", 5060)
	r.Message("msg-1-2 MESSAGE", "msg-1", "<sip:1001@a>", "<sip:1002@b>", src, "again", "", "2 MESSAGE", "192.0.2.1", 5060)
	// Retransmission of the second: no third row.
	r.Message("msg-1-2 MESSAGE", "msg-1", "<sip:1001@a>", "<sip:1002@b>", src, "again", "", "2 MESSAGE", "192.0.2.1", 5060)

	rows := readRows(t, r)
	require.Len(t, rows, 2)
}

func TestMessageBodyTruncated(t *testing.T) {
	r := newTestRecorder(t, true)
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	r.Message("m-1", "m", "<sip:a@a>", "<sip:b@b>", addr("10.0.0.2", 5060), string(long), "", "1 MESSAGE", "192.0.2.1", 5060)

	rows := readRows(t, r)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0]["message_body"], 500)
}

func TestCallTimeoutRow(t *testing.T) {
	r := newTestRecorder(t, true)
	r.CallStart("call-idle", "<sip:1001@a>", "<sip:1002@b>", addr("10.0.0.2", 5060), addr("10.0.0.3", 5060), "", "1 INVITE", "192.0.2.1", 5060)
	r.CallTimeout("call-idle")

	rows := readRows(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, StateFailed, rows[0]["call_state"])
	assert.Equal(t, "Timeout", rows[0]["termination_reason"])
}

func TestSweepFlushed(t *testing.T) {
	r := newTestRecorder(t, true)
	r.CallStart("call-x", "<sip:1001@a>", "<sip:1002@b>", addr("10.0.0.2", 5060), addr("10.0.0.3", 5060), "", "1 INVITE", "192.0.2.1", 5060)
	r.CallEnd("call-x", "Normal", "2 BYE")

	assert.True(t, r.IsFlushed("call-x"))
	assert.Equal(t, 0, r.SweepFlushed(time.Hour))
	assert.Equal(t, 1, r.SweepFlushed(0))
	assert.False(t, r.IsFlushed("call-x"))
}

func TestFlushAllForcesCachedRows(t *testing.T) {
	r := newTestRecorder(t, true)
	r.CallStart("call-open", "<sip:1001@a>", "<sip:1002@b>", addr("10.0.0.2", 5060), addr("10.0.0.3", 5060), "", "1 INVITE", "192.0.2.1", 5060)
	r.CallAnswer("call-open", addr("10.0.0.3", 5060))

	r.FlushAll()

	rows := readRows(t, r)
	require.Len(t, rows, 1)
	assert.Equal(t, StateAnswered, rows[0]["call_state"])
}

func TestPerMilestoneModeWritesEachEvent(t *testing.T) {
	r := newTestRecorder(t, false)
	caller := addr("10.0.0.2", 5060)
	callee := addr("10.0.0.3", 5060)

	r.CallStart("call-m", "<sip:1001@a>", "<sip:1002@b>", caller, callee, "", "1 INVITE", "192.0.2.1", 5060)
	r.CallAnswer("call-m", callee)
	r.CallEnd("call-m", "Normal", "2 BYE")

	rows := readRows(t, r)
	require.Len(t, rows, 3, "merge mode off writes a row per milestone")
}

type capturingPublisher struct {
	rows []Row
}

func (p *capturingPublisher) PublishCDR(row Row) error {
	p.rows = append(p.rows, row)
	return nil
}

func TestPublisherSeesFlushedRows(t *testing.T) {
	r := newTestRecorder(t, true)
	pub := &capturingPublisher{}
	r.SetPublisher(pub)

	r.CallStart("call-p", "<sip:1001@a>", "<sip:1002@b>", addr("10.0.0.2", 5060), addr("10.0.0.3", 5060), "", "1 INVITE", "192.0.2.1", 5060)
	r.CallEnd("call-p", "Normal", "2 BYE")
	r.CallEnd("call-p", "Normal", "2 BYE")

	require.Len(t, pub.rows, 1)
	assert.Equal(t, "call-p", pub.rows[0]["call_id"])
}
