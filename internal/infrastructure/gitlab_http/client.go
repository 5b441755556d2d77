package gitlab_http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/davarch/stage-watcher/internal/domain"
	"golang.org/x/time/rate"
)

const maxJobPages = 50

type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
	limiter *rate.Limiter
}

type Option func(*Client)

// WithRateLimit caps outgoing requests. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func New(baseUrl string, token string, timeout time.Duration, opts ...Option) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseUrl: trimSlash(baseUrl),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: timeout},
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type projectDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type pipelineDTO struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Ref       string `json:"ref"`
	Status    string `json:"status"`
	WebURL    string `json:"web_url"`
}

type jobDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	WebURL   string `json:"web_url"`
	Pipeline *struct {
		ID        int64 `json:"id"`
		ProjectID int64 `json:"project_id"`
	} `json:"pipeline"`
}

func (d pipelineDTO) toDomain() domain.Pipeline {
	return domain.Pipeline{
		ID:        d.ID,
		ProjectID: d.ProjectID,
		Ref:       d.Ref,
		Status:    domain.ParseStatus(d.Status),
		WebURL:    d.WebURL,
	}
}

func (d jobDTO) toDomain() domain.Job {
	j := domain.Job{
		ID:     d.ID,
		Stage:  d.Stage,
		Status: domain.ParseStatus(d.Status),
		Name:   d.Name,
		URL:    d.WebURL,
	}
	if d.Pipeline != nil {
		j.PipelineID = d.Pipeline.ID
		j.ProjectID = d.Pipeline.ProjectID
	}
	return j
}

// Validate reports whether the server answers an authenticated request with
// 200. It never fails.
func (c *Client) Validate(ctx context.Context) bool {
	if c.token == "" || c.baseUrl == "" {
		return false
	}
	_, err := c.get(ctx, "/projects", url.Values{"per_page": {"1"}}, nil)
	return err == nil
}

func (c *Client) ResolveProject(ctx context.Context, remoteURL string) (domain.Project, error) {
	path, err := ProjectPath(remoteURL)
	if err != nil {
		return domain.Project{}, err
	}

	var p projectDTO
	if _, err := c.get(ctx, "/projects/"+url.PathEscape(path), nil, &p); err != nil {
		return domain.Project{}, err
	}
	return domain.Project{ID: p.ID, Name: p.Name}, nil
}

func (c *Client) LatestPipeline(ctx context.Context, project domain.Project, ref string) (*domain.Pipeline, error) {
	var list []pipelineDTO
	q := url.Values{"ref": {ref}, "per_page": {"1"}}
	if _, err := c.get(ctx, fmt.Sprintf("/projects/%d/pipelines", project.ID), q, &list); err != nil {
		return nil, err
	}

	if len(list) == 0 {
		return nil, nil
	}

	p := list[0].toDomain()
	if p.ProjectID == 0 {
		p.ProjectID = project.ID
	}
	return &p, nil
}

// JobsOf lists the jobs of a pipeline in the order the server returns them,
// following pagination.
func (c *Client) JobsOf(ctx context.Context, pipeline domain.Pipeline) ([]domain.Job, error) {
	path := fmt.Sprintf("/projects/%d/pipelines/%d/jobs", pipeline.ProjectID, pipeline.ID)

	var out []domain.Job
	page := "1"
	for i := 0; i < maxJobPages && page != ""; i++ {
		var list []jobDTO
		h, err := c.get(ctx, path, url.Values{"per_page": {"100"}, "page": {page}}, &list)
		if err != nil {
			return nil, err
		}

		for _, d := range list {
			j := d.toDomain()
			if j.PipelineID == 0 {
				j.PipelineID = pipeline.ID
			}
			if j.ProjectID == 0 {
				j.ProjectID = pipeline.ProjectID
			}
			out = append(out, j)
		}
		page = h.Get("X-Next-Page")
	}
	return out, nil
}

func (c *Client) Job(ctx context.Context, projectID, jobID int64) (domain.Job, error) {
	var d jobDTO
	if _, err := c.get(ctx, fmt.Sprintf("/projects/%d/jobs/%d", projectID, jobID), nil, &d); err != nil {
		return domain.Job{}, err
	}

	j := d.toDomain()
	if j.ProjectID == 0 {
		j.ProjectID = projectID
	}
	return j, nil
}

// get issues one authenticated GET against the v4 API and decodes the body
// into out unless out is nil.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}

	u := c.baseUrl + "/api/v4" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	req.Header.Set("Private-Token", c.token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorized, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: GET %s: %s", domain.ErrNotFound, path, resp.Status)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", domain.ErrMalformedResponse, path, err)
	}
	return resp.Header, nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
