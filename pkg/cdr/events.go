package cdr

import (
	"fmt"
	"strconv"
	"time"

	"sipproxy-server/pkg/transport"
)

// CallStart opens (or extends) the row for a forwarded INVITE.
func (r *Recorder) CallStart(callID, callerURI, calleeURI string, caller, callee transport.Endpoint, userAgent, cseq, serverIP string, serverPort int) {
	r.mutex.Lock()
	r.sessions[callID] = time.Now()
	r.mutex.Unlock()

	r.record(callID, Row{
		"record_type": TypeCall,
		"call_state":  StateStarted,
		"caller_uri":  callerURI,
		"callee_uri":  calleeURI,
		"caller_ip":   caller.Host,
		"caller_port": strconv.Itoa(caller.Port),
		"callee_ip":   callee.Host,
		"callee_port": strconv.Itoa(callee.Port),
		"invite_time": milestone(time.Now()),
		"user_agent":  userAgent,
		"cseq":        cseq,
		"server_ip":   serverIP,
		"server_port": strconv.Itoa(serverPort),
	})
}

// CallRinging marks the 180 milestone.
func (r *Recorder) CallRinging(callID string) {
	r.record(callID, Row{
		"call_state":   StateRinging,
		"ringing_time": milestone(time.Now()),
	})
}

// CallAnswer marks the 200 milestone and the setup time.
func (r *Recorder) CallAnswer(callID string, callee transport.Endpoint) {
	now := time.Now()
	var setup string
	r.mutex.Lock()
	if start, ok := r.sessions[callID]; ok {
		setup = fmt.Sprintf("%.2f", float64(now.Sub(start).Milliseconds()))
	}
	r.mutex.Unlock()

	r.record(callID, Row{
		"call_state":  StateAnswered,
		"callee_ip":   callee.Host,
		"callee_port": strconv.Itoa(callee.Port),
		"setup_time":  setup,
		"answer_time": milestone(now),
		"status_code": "200",
		"status_text": "OK",
	})
}

// CallEnd closes the row on BYE and flushes it.
func (r *Recorder) CallEnd(callID, reason, cseq string) {
	now := time.Now()
	updates := Row{
		"call_state":         StateEnded,
		"bye_time":           milestone(now),
		"termination_reason": reason,
		"cseq":               cseq,
	}
	r.mutex.Lock()
	if start, ok := r.sessions[callID]; ok {
		updates["duration"] = fmt.Sprintf("%.2f", now.Sub(start).Seconds())
	}
	r.mutex.Unlock()

	r.record(callID, updates)
	r.Flush(callID, false)
}

// CallFail closes the row on a terminal failure and flushes it.
func (r *Recorder) CallFail(callID string, statusCode int, statusText, reason string) {
	if reason == "" {
		reason = fmt.Sprintf("%d %s", statusCode, statusText)
	}
	r.record(callID, Row{
		"record_type":        TypeCall,
		"call_state":         StateFailed,
		"status_code":        strconv.Itoa(statusCode),
		"status_text":        statusText,
		"termination_reason": reason,
	})
	r.Flush(callID, false)
}

// RequestFail records a failed non-call request (MESSAGE, OPTIONS)
// and flushes the row.
func (r *Recorder) RequestFail(callID, recordType string, statusCode int, statusText, callerURI, calleeURI string, source transport.Endpoint) {
	r.record(callID, Row{
		"record_type":        recordType,
		"call_state":         StateFailed,
		"status_code":        strconv.Itoa(statusCode),
		"status_text":        statusText,
		"termination_reason": fmt.Sprintf("%d %s", statusCode, statusText),
		"caller_uri":         callerURI,
		"callee_uri":         calleeURI,
		"caller_ip":          source.Host,
		"caller_port":        strconv.Itoa(source.Port),
	})
	r.Flush(callID, false)
}

// CallCancel closes the row on CANCEL and flushes it.
func (r *Recorder) CallCancel(callID, cseq string) {
	r.record(callID, Row{
		"call_state":         StateCancelled,
		"termination_reason": "User Cancelled",
		"cseq":               cseq,
	})
	r.Flush(callID, false)
}

// CallTimeout closes the row when the timer wheel retires an idle
// dialog; no wire response accompanies it.
func (r *Recorder) CallTimeout(callID string) {
	r.record(callID, Row{
		"record_type":        TypeCall,
		"call_state":         StateFailed,
		"termination_reason": "Timeout",
	})
	r.Flush(callID, false)
}

// Register records a successful registration; refreshes within the
// same Call-ID merge into the already-flushed row semantics of the
// recorder (the second flush is a no-op).
func (r *Recorder) Register(callID, aor string, source transport.Endpoint, contact string, expires int, userAgent, cseq, serverIP string, serverPort int) {
	r.record(callID, Row{
		"record_type": TypeRegister,
		"call_state":  StateSuccess,
		"caller_uri":  aor,
		"caller_ip":   source.Host,
		"caller_port": strconv.Itoa(source.Port),
		"contact":     contact,
		"expires":     strconv.Itoa(expires),
		"status_code": "200",
		"status_text": "OK",
		"user_agent":  userAgent,
		"cseq":        cseq,
		"server_ip":   serverIP,
		"server_port": strconv.Itoa(serverPort),
	})
	r.Flush(callID, false)
}

// Unregister records a zero-expires deregistration.
func (r *Recorder) Unregister(callID, aor string, source transport.Endpoint, contact, userAgent, cseq string) {
	r.record(callID, Row{
		"record_type": TypeRegister,
		"call_state":  StateUnregistered,
		"caller_uri":  aor,
		"caller_ip":   source.Host,
		"caller_port": strconv.Itoa(source.Port),
		"contact":     contact,
		"expires":     "0",
		"status_code": "200",
		"status_text": "OK",
		"user_agent":  userAgent,
		"cseq":        cseq,
	})
	r.Flush(callID, false)
}

// Message records one MESSAGE. The caller keys it by call-id plus
// CSeq because instant messages commonly share a Call-ID family.
func (r *Recorder) Message(dedupKey, callID, callerURI, calleeURI string, source transport.Endpoint, body, userAgent, cseq, serverIP string, serverPort int) {
	if len(body) > 500 {
		body = body[:500]
	}
	r.record(dedupKey, Row{
		"record_type":  TypeMessage,
		"call_state":   StateCompleted,
		"caller_uri":   callerURI,
		"callee_uri":   calleeURI,
		"caller_ip":    source.Host,
		"caller_port":  strconv.Itoa(source.Port),
		"message_body": body,
		"status_code":  "200",
		"status_text":  "OK",
		"user_agent":   userAgent,
		"cseq":         cseq,
		"server_ip":    serverIP,
		"server_port":  strconv.Itoa(serverPort),
		"extra_info":   "call_id=" + callID,
	})
	r.Flush(dedupKey, false)
}

// Options records an OPTIONS ping answered locally.
func (r *Recorder) Options(callID, callerURI, calleeURI string, source transport.Endpoint, userAgent, cseq string) {
	r.record(callID, Row{
		"record_type": TypeOptions,
		"call_state":  StateCompleted,
		"caller_uri":  callerURI,
		"callee_uri":  calleeURI,
		"caller_ip":   source.Host,
		"caller_port": strconv.Itoa(source.Port),
		"status_code": "200",
		"status_text": "OK",
		"user_agent":  userAgent,
		"cseq":        cseq,
	})
	r.Flush(callID, false)
}
