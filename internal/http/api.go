package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tunestream/internal/core"
	"tunestream/internal/i18n"
	"tunestream/internal/playback"
	"tunestream/internal/resolver"
	"tunestream/pkg/trackid"
)

const (
	maxBodySize   = 64 << 10
	maxRetryDelay = 2 * time.Minute
)

type apiHandler struct {
	deps   *Dependencies
	logger *zap.Logger
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

type playbackRequest struct {
	TrackID            string `json:"trackId"`
	Playing            bool   `json:"playing"`
	Local              bool   `json:"local"`
	PositionMs         int64  `json:"positionMs"`
	BufferedPositionMs int64  `json:"bufferedPositionMs"`
}

type playbackErrorRequest struct {
	TrackID string `json:"trackId"`
	Kind    string `json:"kind"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type decisionResponse struct {
	TrackID  string `json:"trackId"`
	Action   string `json:"action"`
	DelayMs  int64  `json:"delayMs"`
	Attempt  int    `json:"attempt"`
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Message  string `json:"message,omitempty"`
}

type queueRequest struct {
	Items []string `json:"items"`
}

type queueResponse struct {
	Accepted bool `json:"accepted"`
	Items    int  `json:"items"`
	Invalid  int  `json:"invalid"`
}

func (a *apiHandler) openStream(w http.ResponseWriter, r *http.Request) {
	id, start, length, ok := a.streamRequest(w, r)
	if !ok {
		return
	}

	open := a.deps.Streams.Open
	switch raw := r.URL.Query().Get("status"); raw {
	case "":
	case strconv.Itoa(http.StatusRequestedRangeNotSatisfiable):
		open = a.deps.Streams.Recover
	default:
		a.badRequest(w, r, "status may only be 416")
		return
	}

	d, err := open(r.Context(), id, start, length)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d.Spec())
}

func (a *apiHandler) playStream(w http.ResponseWriter, r *http.Request) {
	id, start, length, ok := a.streamRequest(w, r)
	if !ok {
		return
	}

	d, err := a.deps.Streams.Play(r.Context(), id, start, length, nil)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d.Spec())
}

func (a *apiHandler) retryStream(w http.ResponseWriter, r *http.Request) {
	id, start, length, ok := a.streamRequest(w, r)
	if !ok {
		return
	}
	delayMs, err := queryInt(r, "delayMs", 0)
	delay := time.Duration(delayMs) * time.Millisecond
	if err != nil || delayMs < 0 || delay > maxRetryDelay {
		a.badRequest(w, r, "delayMs must be between 0 and "+strconv.FormatInt(maxRetryDelay.Milliseconds(), 10))
		return
	}

	d, err := a.deps.Streams.Retry(r.Context(), id, delay, start, length, nil)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d.Spec())
}

// streamRequest parses the track id and byte range shared by the stream routes.
func (a *apiHandler) streamRequest(w http.ResponseWriter, r *http.Request) (string, int64, int64, bool) {
	id, err := trackid.Parse(r.PathValue("trackID"))
	if err != nil {
		a.badRequest(w, r, err.Error())
		return "", 0, 0, false
	}

	start, err := queryInt(r, "start", 0)
	if err != nil || start < 0 {
		a.badRequest(w, r, "start must be a non-negative integer")
		return "", 0, 0, false
	}
	length, err := queryInt(r, "length", core.Unbounded)
	if err != nil || length == 0 || length < core.Unbounded {
		a.badRequest(w, r, "length must be positive, or -1 for the rest of the stream")
		return "", 0, 0, false
	}
	return id, start, length, true
}

func (a *apiHandler) trackState(w http.ResponseWriter, r *http.Request) {
	id, err := trackid.Parse(r.PathValue("trackID"))
	if err != nil {
		a.badRequest(w, r, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, a.deps.Status.Track(id))
}

func (a *apiHandler) serviceState(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.deps.Status.Overview())
}

func (a *apiHandler) invalidateStream(w http.ResponseWriter, r *http.Request) {
	id, err := trackid.Parse(r.PathValue("trackID"))
	if err != nil {
		a.badRequest(w, r, err.Error())
		return
	}
	a.deps.Cache.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiHandler) clearStreams(w http.ResponseWriter, _ *http.Request) {
	a.deps.Cache.Clear()
	a.logger.Info("Stream cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiHandler) refreshStream(w http.ResponseWriter, r *http.Request) {
	id, err := trackid.Parse(r.PathValue("trackID"))
	if err != nil {
		a.badRequest(w, r, err.Error())
		return
	}
	a.deps.Playback.ForceRefresh(id)
	w.WriteHeader(http.StatusAccepted)
}

func (a *apiHandler) updatePlayback(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if err := decodeBody(r, &req); err != nil {
		a.badRequest(w, r, err.Error())
		return
	}

	snapshot := core.PlaybackSnapshot{
		Playing:          req.Playing,
		Local:            req.Local,
		Position:         time.Duration(req.PositionMs) * time.Millisecond,
		BufferedPosition: time.Duration(req.BufferedPositionMs) * time.Millisecond,
	}
	if req.TrackID != "" {
		if req.Local {
			snapshot.TrackID = req.TrackID
		} else {
			id, err := trackid.Parse(req.TrackID)
			if err != nil {
				a.badRequest(w, r, err.Error())
				return
			}
			snapshot.TrackID = id
		}
	}

	a.deps.Playback.UpdatePlayback(snapshot)
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiHandler) reportError(w http.ResponseWriter, r *http.Request) {
	var req playbackErrorRequest
	if err := decodeBody(r, &req); err != nil {
		a.badRequest(w, r, err.Error())
		return
	}
	id, err := trackid.Parse(req.TrackID)
	if err != nil {
		a.badRequest(w, r, err.Error())
		return
	}

	var reported *core.ResolveError
	switch {
	case req.Kind != "":
		reported = core.NewError(core.ParseKind(req.Kind), id, req.Message)
	case req.Status != 0:
		reported = core.NewStatusError(id, req.Status)
	default:
		reported = core.NewError(core.KindUnknown, id, req.Message)
	}

	decision := a.deps.Playback.HandleError(id, reported)
	localizer := a.localizer(r)

	resp := decisionResponse{
		TrackID:  decision.TrackID,
		Action:   string(decision.Action),
		DelayMs:  decision.Delay.Milliseconds(),
		Attempt:  decision.Attempt,
		Kind:     decision.Kind.String(),
		Category: string(decision.Category),
	}
	switch decision.Action {
	case playback.ActionRetry:
		resp.Message = localizer.T("status.retrying", decision.Delay.String())
	case playback.ActionSkip:
		resp.Message = localizer.Category(decision.Category)
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *apiHandler) prefetchQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeBody(r, &req); err != nil {
		a.badRequest(w, r, err.Error())
		return
	}

	ids := make([]string, 0, len(req.Items))
	invalid := 0
	for _, ref := range req.Items {
		id, err := trackid.Parse(ref)
		if err != nil {
			invalid++
			continue
		}
		ids = append(ids, id)
	}

	resp := queueResponse{Items: len(ids), Invalid: invalid}
	if len(ids) == 0 {
		resp.Accepted = true
		a.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp.Accepted = a.deps.Prefetch.Submit(ids)
	status := http.StatusAccepted
	if !resp.Accepted {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, resp)
}

func (a *apiHandler) localizer(r *http.Request) *i18n.Localizer {
	fallback := a.deps.Language
	if fallback == "" {
		fallback = i18n.DefaultLanguage
	}
	return i18n.NewLocalizer(i18n.Match(r.Header.Get("Accept-Language"), fallback))
}

func (a *apiHandler) badRequest(w http.ResponseWriter, r *http.Request, message string) {
	a.writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Kind:     "bad_request",
		Category: string(core.CategoryUnknown),
		Message:  message,
	}})
	a.logger.Debug("Rejected request", zap.String("path", r.URL.Path), zap.String("reason", message))
}

func (a *apiHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, resolver.ErrEmptyTrackID) {
		a.badRequest(w, r, err.Error())
		return
	}
	if errors.Is(err, playback.ErrSuperseded) {
		a.writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{
			Kind:     "superseded",
			Category: string(core.CategoryUnknown),
			Message:  err.Error(),
		}})
		return
	}

	kind := core.KindOf(err)
	category := core.CategoryOf(kind)
	status := statusForKind(kind)

	if status >= http.StatusInternalServerError {
		a.logger.Warn("Stream resolution failed",
			zap.String("path", r.URL.Path),
			zap.Stringer("kind", kind),
			zap.Error(err))
	}

	a.writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:     kind.String(),
		Category: string(category),
		Message:  a.localizer(r).Category(category),
	}})
}

// statusForKind maps an error kind onto the status the API answers with.
func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindContentUnavailable:
		return http.StatusNotFound
	case core.KindLoginRequired:
		return http.StatusUnauthorized
	case core.KindRestricted:
		return http.StatusUnavailableForLegalReasons
	case core.KindResourceGone:
		return http.StatusGone
	case core.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case core.KindFormatNotFound, core.KindUnplayable:
		return http.StatusUnprocessableEntity
	case core.KindNetwork, core.KindParsing, core.KindIDMismatch:
		return http.StatusBadGateway
	case core.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *apiHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func decodeBody(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
