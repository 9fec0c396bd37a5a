package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/orchestrator"
	"github.com/MrWong99/earshot/pkg/audio"
)

// maxPlaybackBytes caps one POST /playback body (about five minutes of
// 16 kHz PCM16).
const maxPlaybackBytes = 10 << 20

// Accepted source rates for POST /playback. The lower bound keeps the
// resampled output within a small multiple of the body size.
const (
	minPlaybackRate = 8000
	maxPlaybackRate = 192000
)

type controlResponse struct {
	Action   string `json:"action"`
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// control maps the actions of POST /control/{action} onto the orchestrator.
var control = map[string]func(o *orchestrator.Orchestrator, ctx context.Context) (bool, error){
	"wake":        (*orchestrator.Orchestrator).Wake,
	"start":       (*orchestrator.Orchestrator).ManualStart,
	"stop":        (*orchestrator.Orchestrator).ManualStop,
	"reply-ready": (*orchestrator.Orchestrator).ReplyReady,
	"calibrate":   (*orchestrator.Orchestrator).Calibrate,
	"reset": func(o *orchestrator.Orchestrator, ctx context.Context) (bool, error) {
		return true, o.Reset(ctx)
	},
}

// handleControl triggers a conversation action from the UI. The response
// reports whether the action applied in the current state.
func (a *App) handleControl(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	fn, ok := control[action]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown action " + strconv.Quote(action)})
		return
	}

	accepted, err := fn(a.orch, r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, orchestrator.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	observe.Logger(r.Context()).Debug("control action", "action", action, "accepted", accepted)
	writeJSON(w, http.StatusOK, controlResponse{
		Action:   action,
		Accepted: accepted,
		State:    a.orch.Machine().State().String(),
	})
}

type statusResponse struct {
	SessionID string          `json:"session_id"`
	State     string          `json:"state"`
	Playing   bool            `json:"playing"`
	Listening map[string]bool `json:"listening"`
	Capture   captureStatus   `json:"capture"`
	Interrupt interruptStatus `json:"interrupt"`
	Queue     []queuedReply   `json:"queue"`
	Errors    int             `json:"errors"`
}

type queuedReply struct {
	ID        string `json:"id"`
	Priority  int    `json:"priority"`
	WaitingMS int64  `json:"waiting_ms"`
}

type captureStatus struct {
	Open    bool   `json:"open"`
	Backend string `json:"backend,omitempty"`
	Leases  int    `json:"leases"`
	Primary string `json:"primary,omitempty"`
	Error   string `json:"error,omitempty"`
	Frames  uint64 `json:"frames"`
}

type interruptStatus struct {
	Active       bool    `json:"active"`
	Adaptive     bool    `json:"adaptive"`
	ThresholdDB  float64 `json:"threshold_db"`
	NoiseFloorDB float64 `json:"noise_floor_db"`
	Calibrated   bool    `json:"calibrated"`
}

// handleStatus reports a snapshot of the engine for dashboards.
func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.orch.Status()
	res := statusResponse{
		SessionID: st.SessionID,
		State:     st.State.String(),
		Playing:   st.Playing,
		Listening: st.Listening,
		Capture: captureStatus{
			Open:    st.Capture.Open,
			Leases:  st.Capture.Leases,
			Primary: st.Capture.Primary,
			Frames:  st.Capture.Frames,
		},
		Interrupt: interruptStatus{
			Active:       st.Interrupt.Active,
			Adaptive:     st.Interrupt.Adaptive,
			ThresholdDB:  st.Interrupt.Threshold,
			NoiseFloorDB: st.Interrupt.Calibration.NoiseFloor,
			Calibrated:   st.Interrupt.Calibration.IsCalibrated,
		},
		Queue:  []queuedReply{},
		Errors: len(a.sess.Errors()),
	}
	for _, p := range a.mixer.Pending() {
		res.Queue = append(res.Queue, queuedReply{ID: p.ID, Priority: p.Priority, WaitingMS: p.Waiting.Milliseconds()})
	}
	if st.Capture.Err != nil {
		res.Capture.Error = st.Capture.Err.Error()
	}
	if a.failover != nil {
		res.Capture.Backend = a.failover.Active()
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePlayback queues a reply for playback. The body is PCM16; the rate
// and channels query parameters describe it and default to mono at the
// capture sample rate. The optional priority parameter orders it against
// other queued replies.
func (a *App) handlePlayback(w http.ResponseWriter, r *http.Request) {
	rate := a.Config().Capture.SampleRate
	q := r.URL.Query()
	priority, err := intParam(q.Get("priority"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "priority: " + err.Error()})
		return
	}
	srcRate, err := intParam(q.Get("rate"), rate)
	if err != nil || srcRate < minPlaybackRate || srcRate > maxPlaybackRate {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("rate must be an integer in [%d, %d]", minPlaybackRate, maxPlaybackRate),
		})
		return
	}
	channels, err := intParam(q.Get("channels"), 1)
	if err != nil || (channels != 1 && channels != 2) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "channels must be 1 or 2"})
		return
	}
	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPlaybackBytes))
	if err != nil {
		code := http.StatusBadRequest
		if errors.As(err, new(*http.MaxBytesError)) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, errorResponse{Error: err.Error()})
		return
	}
	if len(pcm) < 2 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty audio"})
		return
	}
	if channels != 1 || srcRate != rate {
		pcm = audio.NormalizePCM16(pcm, channels, srcRate, rate)
		if len(pcm) < 2 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty audio"})
			return
		}
	}

	chunkSize := max(rate/50, 1) * 2
	chunks := make(chan []byte, len(pcm)/chunkSize+1)
	for start := 0; start < len(pcm); start += chunkSize {
		chunks <- pcm[start:min(start+chunkSize, len(pcm))]
	}
	close(chunks)

	seg := &audio.Segment{
		ID:         uuid.NewString(),
		Audio:      chunks,
		SampleRate: rate,
		Priority:   priority,
	}
	a.mixer.Enqueue(seg)
	observe.Logger(r.Context()).Info("playback queued", "segment", seg.ID, "bytes", len(pcm), "priority", priority)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": seg.ID})
}

// handleCancelPlayback drops a queued or playing reply.
func (a *App) handleCancelPlayback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.mixer.Cancel(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown segment " + strconv.Quote(id)})
		return
	}
	observe.Logger(r.Context()).Info("playback cancelled", "segment", id)
	w.WriteHeader(http.StatusNoContent)
}

// intParam parses an optional integer query value.
func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
