package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/civicmaps/ofisi/internal/evidence"
	"github.com/civicmaps/ofisi/internal/geo"
	"github.com/civicmaps/ofisi/internal/ledger"
	"github.com/civicmaps/ofisi/internal/model"
	"github.com/civicmaps/ofisi/internal/moderation"
	"github.com/civicmaps/ofisi/internal/store"
)

type apiServer struct {
	env            *pipelineEnv
	confirmLimiter *rate.Limiter
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /contributions", a.handleSubmit)
	mux.HandleFunc("GET /contributions", a.handleList)
	mux.HandleFunc("GET /contributions/{id}", a.handleGet)
	mux.HandleFunc("POST /contributions/{id}/confirm", a.handleConfirm)

	mux.HandleFunc("POST /contributions/{id}/verify", a.handleVerify)
	mux.HandleFunc("POST /contributions/{id}/merge", a.handleMerge)
	mux.HandleFunc("POST /contributions/{id}/reject", a.handleReject)
	mux.HandleFunc("POST /contributions/{id}/request-info", a.handleRequestInfo)
	mux.HandleFunc("POST /contributions/{id}/resubmit", a.handleResubmit)
	mux.HandleFunc("POST /contributions/{id}/flag", a.handleFlag)

	mux.HandleFunc("GET /archives", a.handleListArchives)
	mux.HandleFunc("POST /archives/{id}/restore", a.handleRestore)

	mux.HandleFunc("POST /moderation/bulk", a.handleBulk)
	mux.HandleFunc("GET /stats", a.handleStats)

	return mux
}

type positionSample struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

type submitPayload struct {
	Samples []positionSample `json:"samples"`

	County           string `json:"county"`
	Constituency     string `json:"constituency"`
	ConstituencyCode string `json:"constituency_code"`
	OfficeLocation   string `json:"office_location"`
	Landmark         string `json:"landmark"`
	GoogleMapsLink   string `json:"google_maps_link"`
	SubmissionSource string `json:"submission_source"`
	SubmissionMethod string `json:"submission_method"`
	SubmitterID      string `json:"submitter_id"`

	DeviceMetadata *model.DeviceMetadata `json:"device_metadata"`
}

// handleSubmit accepts either a bare JSON payload or a multipart form with a
// "payload" JSON part and an optional "photo" part. The photo is validated
// and stored before the pipeline runs so a bad upload never creates a
// contribution.
func (a *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	var imagePath, imageURL string

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(evidence.MaxImageBytes + 1<<20); err != nil {
			writeError(w, r, badRequest("malformed multipart form"))
			return
		}
		if err := json.Unmarshal([]byte(r.FormValue("payload")), &payload); err != nil {
			writeError(w, r, badRequest("malformed payload JSON"))
			return
		}

		if file, _, err := r.FormFile("photo"); err == nil {
			defer file.Close()
			img, err := evidence.Validate(file)
			if err != nil {
				writeError(w, r, err)
				return
			}
			imagePath, imageURL, err = a.env.Evidence.Save(r.Context(), img)
			if err != nil {
				writeError(w, r, err)
				return
			}
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, r, badRequest("malformed JSON body"))
			return
		}
	}

	req := moderation.SubmitRequest{
		County:           payload.County,
		Constituency:     payload.Constituency,
		ConstituencyCode: payload.ConstituencyCode,
		OfficeLocation:   payload.OfficeLocation,
		Landmark:         payload.Landmark,
		GoogleMapsLink:   payload.GoogleMapsLink,
		SubmissionSource: payload.SubmissionSource,
		SubmissionMethod: payload.SubmissionMethod,
		SubmitterID:      payload.SubmitterID,
		DeviceMetadata:   payload.DeviceMetadata,
		ImagePath:        imagePath,
		ImageURL:         imageURL,
	}
	for _, s := range payload.Samples {
		req.Samples = append(req.Samples, geo.PositionSample{
			Coordinate:     geo.Coordinate{Latitude: s.Latitude, Longitude: s.Longitude},
			AccuracyMeters: s.AccuracyMeters,
		})
	}

	c, err := a.env.Moderation.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ContributionFilter{
		Status: model.NormalizeStatus(q.Get("status")),
		County: q.Get("county"),
		Limit:  intParam(q.Get("limit"), 50),
		Offset: intParam(q.Get("offset"), 0),
	}
	if v := q.Get("min_confidence"); v != "" {
		f.MinConfidence = intParam(v, 0)
	}

	items, err := a.env.Store.ListContributions(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contributions": items, "count": len(items)})
}

func (a *apiServer) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := a.env.Store.GetContribution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type confirmPayload struct {
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
	AccuracyMeters    float64 `json:"accuracy_meters"`
	DeviceFingerprint string  `json:"device_fingerprint"`
}

func (a *apiServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if !a.confirmLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "confirmation rate limit exceeded"})
		return
	}

	var payload confirmPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, badRequest("malformed JSON body"))
		return
	}

	res, err := a.env.Ledger.Confirm(r.Context(), ledger.Request{
		ContributionID:    r.PathValue("id"),
		Position:          geo.Coordinate{Latitude: payload.Latitude, Longitude: payload.Longitude},
		AccuracyMeters:    payload.AccuracyMeters,
		DeviceFingerprint: payload.DeviceFingerprint,
		RemoteIP:          remoteIP(r),
		UserAgent:         r.UserAgent(),
	})
	if errors.Is(err, ledger.ErrAlreadyConfirmed) {
		// Idempotent: the device's earlier confirmation already counted.
		writeJSON(w, http.StatusOK, map[string]any{"already_confirmed": true})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type moderatePayload struct {
	Actor          string                 `json:"actor"`
	ReviewNotes    string                 `json:"review_notes"`
	Reason         string                 `json:"reason"`
	Message        string                 `json:"message"`
	ForceNew       bool                   `json:"force_new"`
	TargetOfficeID string                 `json:"target_office_id"`
	Office         *model.CanonicalOffice `json:"office"`
}

func decodeModerate(r *http.Request) (moderatePayload, error) {
	var p moderatePayload
	if r.Body == nil || r.ContentLength == 0 {
		return p, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		return p, badRequest("malformed JSON body")
	}
	return p, nil
}

func (a *apiServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	p, err := decodeModerate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	office, err := a.env.Moderation.Verify(r.Context(), moderation.VerifyParams{
		ContributionID: r.PathValue("id"),
		Actor:          p.Actor,
		ReviewNotes:    p.ReviewNotes,
		ForceNew:       p.ForceNew,
		Office:         p.Office,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, office)
}

func (a *apiServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	p, err := decodeModerate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	office, err := a.env.Moderation.Merge(r.Context(), moderation.MergeParams{
		ContributionID: r.PathValue("id"),
		TargetOfficeID: p.TargetOfficeID,
		Actor:          p.Actor,
		ReviewNotes:    p.ReviewNotes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, office)
}

func (a *apiServer) handleReject(w http.ResponseWriter, r *http.Request) {
	p, err := decodeModerate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.env.Moderation.Reject(r.Context(), r.PathValue("id"), p.Reason, p.Actor); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusArchived)})
}

func (a *apiServer) handleRequestInfo(w http.ResponseWriter, r *http.Request) {
	p, err := decodeModerate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.env.Moderation.RequestInfo(r.Context(), r.PathValue("id"), p.Message, p.Actor); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusMoreInfoRequested)})
}

func (a *apiServer) handleResubmit(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Moderation.Resubmit(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusPendingReview)})
}

func (a *apiServer) handleFlag(w http.ResponseWriter, r *http.Request) {
	p, err := decodeModerate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.env.Moderation.Flag(r.Context(), r.PathValue("id"), p.Reason, p.Actor); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusFlaggedSuspicious)})
}

func (a *apiServer) handleListArchives(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := a.env.Store.ListArchives(r.Context(), intParam(q.Get("limit"), 50), intParam(q.Get("offset"), 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": items, "count": len(items)})
}

func (a *apiServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	p, err := decodeModerate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := a.env.Moderation.Restore(r.Context(), r.PathValue("id"), p.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type bulkPayload struct {
	Action          string   `json:"action"`
	ContributionIDs []string `json:"contribution_ids"`
	Actor           string   `json:"actor"`
	Reason          string   `json:"reason"`
	ForceNew        bool     `json:"force_new"`
}

func (a *apiServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	var p bulkPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, r, badRequest("malformed JSON body"))
		return
	}
	res, err := a.env.Moderation.BulkApply(r.Context(), moderation.BulkApplyParams{
		Action:          moderation.BulkAction(p.Action),
		ContributionIDs: p.ContributionIDs,
		Actor:           p.Actor,
		Reason:          p.Reason,
		ForceNew:        p.ForceNew,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.env.Stats.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// validationError carries a 400 with a caller-facing message.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

func badRequest(msg string) error { return validationError{msg: msg} }

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var ve validationError

	switch {
	case errors.As(err, &ve), errors.Is(err, moderation.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, moderation.ErrDuplicateConflict),
		errors.Is(err, moderation.ErrNotModeratable),
		errors.Is(err, store.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrTooFarAway):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, evidence.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, evidence.ErrUnsupportedType):
		status = http.StatusUnsupportedMediaType
	}

	if status == http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
