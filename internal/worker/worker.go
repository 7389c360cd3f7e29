// Package worker implements the single-threaded poll loop spec.md §4.9
// describes: GET a job from the loopback host, dispatch it by jobName to
// the matching intentprotocol handler, and POST the result back. Modeled
// on the teacher's cmd/appserver/main.go signal-shutdown pattern, but here
// the "serving" side is this outbound poll loop rather than an inbound
// HTTP listener.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/letsesign/enclave-worker/infrastructure/httputil"
	"github.com/letsesign/enclave-worker/infrastructure/metrics"
	"github.com/letsesign/enclave-worker/internal/errcode"
	"github.com/letsesign/enclave-worker/internal/intentprotocol"
	"github.com/letsesign/enclave-worker/pkg/config"
	"github.com/letsesign/enclave-worker/pkg/logger"
)

// getJobResponse is the GET /api/getJob 200 body (spec.md §6).
type getJobResponse struct {
	Session string          `json:"session"`
	JobName string          `json:"jobName"`
	JobData json.RawMessage `json:"jobData"`
}

// resultEntry is one {name, data:<base64>} wire result.
type resultEntry struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// jobResponse is the per-job response body nested inside putJobResult's
// jobResult field (spec.md §6).
type jobResponse struct {
	Code                  errcode.Code  `json:"code"`
	Results               []resultEntry `json:"results,omitempty"`
	AttestDocument        string        `json:"attestDocument,omitempty"`
	EncryptedResult       string        `json:"encryptedResult,omitempty"`
	TwilioVerificationSID string        `json:"twilioVerificationSID,omitempty"`
}

type putJobResultRequest struct {
	Session   string      `json:"session"`
	JobResult jobResponse `json:"jobResult"`
}

// Worker polls the loopback host for jobs and dispatches them by jobName.
type Worker struct {
	client           *http.Client
	baseURL          string
	pollInterval     time.Duration
	maxResponseBytes int64
	handlers         map[string]intentprotocol.AnyHandler
	metrics          *metrics.Metrics
	log              *logger.Logger
}

// New builds a Worker from cfg and the three job handlers, keyed by their
// own JobName().
func New(cfg config.HostConfig, handlers []intentprotocol.AnyHandler, m *metrics.Metrics, log *logger.Logger) *Worker {
	byName := make(map[string]intentprotocol.AnyHandler, len(handlers))
	for _, h := range handlers {
		byName[h.JobName()] = h
	}
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return &Worker{
		client:           httputil.CopyHTTPClientWithTimeout(nil, timeout, true),
		baseURL:          cfg.BaseURL,
		pollInterval:     time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		maxResponseBytes: cfg.MaxResponseBytes,
		handlers:         byName,
		metrics:          m,
		log:              log,
	}
}

// Run drives the poll loop until ctx is canceled. The loop is
// single-threaded and processes at most one job at a time (spec.md §5).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pollID := uuid.NewString()
		log := w.log.WithField("pollId", pollID)

		job, ok, err := w.getJob(ctx)
		if err != nil {
			log.WithField("err", err).Warn("getJob failed")
			w.sleep(ctx)
			continue
		}
		if !ok {
			w.sleep(ctx)
			continue
		}
		log = log.WithField("jobName", job.JobName)

		w.metrics.SetInFlight(true)
		start := time.Now()
		resp := w.dispatch(ctx, job)
		w.metrics.RecordJob(job.JobName, resp.Code.String(), time.Since(start))
		w.metrics.SetInFlight(false)

		if err := w.putJobResult(ctx, job.Session, resp); err != nil {
			// spec.md §4.9: network errors on the PUT are ignored; the
			// host re-issues the job.
			log.WithField("err", err).Warn("putJobResult failed")
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) dispatch(ctx context.Context, job getJobResponse) jobResponse {
	h, ok := w.handlers[job.JobName]
	if !ok {
		return jobResponse{Code: errcode.INVALID_PARAM}
	}
	outcome := h.Run(ctx, job.JobData)
	return toWireResponse(outcome)
}

func toWireResponse(o intentprotocol.Outcome) jobResponse {
	resp := jobResponse{Code: o.Code, TwilioVerificationSID: o.TwilioVerificationSID}
	if len(o.Results) > 0 {
		resp.Results = make([]resultEntry, len(o.Results))
		for i, r := range o.Results {
			resp.Results[i] = resultEntry{Name: r.Name, Data: base64.StdEncoding.EncodeToString(r.Data)}
		}
	}
	if o.AttestDocument != nil {
		resp.AttestDocument = base64.StdEncoding.EncodeToString(o.AttestDocument)
	}
	if o.EncryptedResult != nil {
		resp.EncryptedResult = base64.StdEncoding.EncodeToString(o.EncryptedResult)
	}
	return resp
}

// getJob performs one GET /api/getJob call. ok is false when the host
// reports no job is pending (an empty or 204 body).
func (w *Worker) getJob(ctx context.Context) (job getJobResponse, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/api/getJob", nil)
	if err != nil {
		return job, false, fmt.Errorf("worker: build getJob request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return job, false, fmt.Errorf("worker: getJob request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return job, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return job, false, fmt.Errorf("worker: getJob unexpected status %d", resp.StatusCode)
	}

	body, err := httputil.ReadAllStrict(resp.Body, w.maxResponseBytes)
	if err != nil {
		return job, false, fmt.Errorf("worker: read getJob body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return job, false, nil
	}

	if err := json.Unmarshal(body, &job); err != nil {
		return job, false, fmt.Errorf("worker: decode getJob body: %w", err)
	}
	if job.JobName == "" {
		return job, false, nil
	}
	return job, true, nil
}

// putJobResult performs one POST /api/putJobResult call. Per spec.md §4.9,
// callers are expected to ignore its returned error beyond logging.
func (w *Worker) putJobResult(ctx context.Context, session string, resp jobResponse) error {
	body, err := json.Marshal(putJobResultRequest{Session: session, JobResult: resp})
	if err != nil {
		return fmt.Errorf("worker: encode putJobResult body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/api/putJobResult", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("worker: build putJobResult request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker: putJobResult request: %w", err)
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)
	return nil
}
