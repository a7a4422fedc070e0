package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/smallnest/gradeflow/cache"
	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/flows"
)

// httpClient is shared by the service collaborators. Timeouts here are the
// transport floor; node timeouts bound the whole call.
var httpClient = &http.Client{Timeout: 60 * time.Second}

func postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fault.Invalid(fmt.Errorf("request not serializable: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fault.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.RateLimited(fmt.Errorf("%s returned 429", url))
	case resp.StatusCode >= 500:
		return fault.Transient(fmt.Errorf("%s returned %d", url, resp.StatusCode))
	case resp.StatusCode >= 400:
		return fault.Permanent(fmt.Errorf("%s returned %d", url, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Permanent(fmt.Errorf("bad response from %s: %w", url, err))
		}
	}
	return nil
}

// layoutService calls the external layout-analysis service.
type layoutService struct {
	baseURL string
}

func (s *layoutService) Segment(ctx context.Context, imageRef string) ([]flows.QuestionRegion, error) {
	var regions []flows.QuestionRegion
	err := postJSON(ctx, s.baseURL+"/segment", map[string]any{"image_ref": imageRef}, &regions)
	return regions, err
}

// resultStore writes grading results to the external durable store.
type resultStore struct {
	baseURL string
}

func (s *resultStore) SaveResults(ctx context.Context, submissionID string, results []flows.GradingResult) error {
	return postJSON(ctx, s.baseURL+"/results", map[string]any{
		"submission_id": submissionID,
		"results":       results,
	}, nil)
}

// notifyService fires submission events.
type notifyService struct {
	baseURL string
}

func (s *notifyService) Notify(ctx context.Context, submissionID, eventType string) error {
	return postJSON(ctx, s.baseURL+"/notify", map[string]any{
		"submission_id": submissionID,
		"event_type":    eventType,
	}, nil)
}

// imageHasher fetches the referenced image and computes its perceptual hash.
// Refs are either URLs or local paths.
type imageHasher struct{}

func (imageHasher) Perceptual(ctx context.Context, imageRef string) (uint64, error) {
	img, err := loadImage(ctx, imageRef)
	if err != nil {
		return 0, err
	}
	return cache.PerceptualHash(img), nil
}

func loadImage(ctx context.Context, ref string) (image.Image, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fault.Transient(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fault.Transient(fmt.Errorf("fetching %s returned %d", ref, resp.StatusCode))
		}
		img, _, err := image.Decode(resp.Body)
		return img, err
	}

	f, err := os.Open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// boundaryDetector calls the layout service's batch partitioning endpoint.
type boundaryDetector struct {
	baseURL string
}

func (s *boundaryDetector) DetectBoundaries(ctx context.Context, fileRefs []string) ([]flows.StudentBoundary, error) {
	var boundaries []flows.StudentBoundary
	err := postJSON(ctx, s.baseURL+"/boundaries", map[string]any{"file_refs": fileRefs}, &boundaries)
	return boundaries, err
}

// ruleToolkit drives the external rule-upgrade tooling over HTTP.
type ruleToolkit struct {
	baseURL string
}

func (t *ruleToolkit) Mine(ctx context.Context, ruleSetID string) (map[string]any, error) {
	var out map[string]any
	err := postJSON(ctx, t.baseURL+"/mine", map[string]any{"rule_set_id": ruleSetID}, &out)
	return out, err
}

func (t *ruleToolkit) Generate(ctx context.Context, ruleSetID string, mined map[string]any) (map[string]any, error) {
	var out map[string]any
	err := postJSON(ctx, t.baseURL+"/generate", map[string]any{"rule_set_id": ruleSetID, "mined": mined}, &out)
	return out, err
}

func (t *ruleToolkit) RegressionTest(ctx context.Context, ruleSetID string, generated map[string]any) (bool, map[string]any, error) {
	var out struct {
		Passed bool           `json:"passed"`
		Report map[string]any `json:"report"`
	}
	err := postJSON(ctx, t.baseURL+"/regression-test", map[string]any{"rule_set_id": ruleSetID, "generated": generated}, &out)
	return out.Passed, out.Report, err
}

func (t *ruleToolkit) Deploy(ctx context.Context, ruleSetID string, generated map[string]any) error {
	return postJSON(ctx, t.baseURL+"/deploy", map[string]any{"rule_set_id": ruleSetID, "generated": generated}, nil)
}

func (t *ruleToolkit) Monitor(ctx context.Context, ruleSetID string) (bool, error) {
	var out struct {
		Healthy bool `json:"healthy"`
	}
	err := postJSON(ctx, t.baseURL+"/monitor", map[string]any{"rule_set_id": ruleSetID}, &out)
	return out.Healthy, err
}

func (t *ruleToolkit) Rollback(ctx context.Context, ruleSetID string) error {
	return postJSON(ctx, t.baseURL+"/rollback", map[string]any{"rule_set_id": ruleSetID}, nil)
}
