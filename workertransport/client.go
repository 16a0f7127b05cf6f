package workertransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/jobqueue"
)

// WorkerClient is a thin net/http caller against a WorkerServer's routes,
// letting a worker process with no direct access to the shared storage
// lease, execute, and report back against a remote jobqueue.JobQueue.
type WorkerClient struct {
	baseURL string
	http    *http.Client
}

// NewWorkerClient builds a client against a WorkerServer listening at
// baseURL (e.g. "http://queue-host:8080"). A nil httpClient uses
// http.DefaultClient.
func NewWorkerClient(baseURL string, httpClient *http.Client) *WorkerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WorkerClient{baseURL: baseURL, http: httpClient}
}

// Add submits a new job.
func (c *WorkerClient) Add(ctx context.Context, job *jobqueue.Job) error {
	return c.do(ctx, http.MethodPost, "/jobs", job, nil)
}

// Lease claims the next ready job, or returns (nil, nil) if none is due.
func (c *WorkerClient) Lease(ctx context.Context) (*jobqueue.Job, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/lease", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	var job jobqueue.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete reports a leased job's successful output.
func (c *WorkerClient) Complete(ctx context.Context, id string, output any) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+id+"/complete", completeRequest{Output: output}, nil)
}

// Fail reports a leased job's failure. err is classified locally via
// errkind.Classify before crossing the wire, since the concrete Go error
// type can't serialize.
func (c *WorkerClient) Fail(ctx context.Context, id string, err error) error {
	req := failRequest{
		Kind:      errkind.Classify(err),
		Message:   err.Error(),
		RetryDate: errkind.RetryDateOf(err),
	}
	return c.do(ctx, http.MethodPost, "/jobs/"+id+"/fail", req, nil)
}

// Abort reports a leased job as cooperatively cancelled.
func (c *WorkerClient) Abort(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+id+"/abort", nil, nil)
}

// GetProgress fetches a job's last reported progress.
func (c *WorkerClient) GetProgress(ctx context.Context, id string) (*jobqueue.Progress, error) {
	var p jobqueue.Progress
	if err := c.get(ctx, "/jobs/"+id+"/progress", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProgress reports a leased job's percent-complete and message.
func (c *WorkerClient) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+id+"/progress", progressRequest{Percent: percent, Message: message}, nil)
}

// PushChunk reports one streaming chunk published against port.
func (c *WorkerClient) PushChunk(ctx context.Context, id, port string, seq int, data any) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+id+"/chunk", ChunkMessage{Port: port, Seq: seq, Data: data}, nil)
}

// WaitFor blocks until id reaches a terminal status, or ctx is
// cancelled.
func (c *WorkerClient) WaitFor(ctx context.Context, id string) (*jobqueue.Job, error) {
	var job jobqueue.Job
	if err := c.get(ctx, "/jobs/"+id+"/wait", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Size returns the queue's count of non-terminal jobs.
func (c *WorkerClient) Size(ctx context.Context) (int, error) {
	var body struct {
		Size int `json:"size"`
	}
	if err := c.get(ctx, "/size", &body); err != nil {
		return 0, err
	}
	return body.Size, nil
}

// Clear removes every job record.
func (c *WorkerClient) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/clear", nil, nil)
}

func (c *WorkerClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *WorkerClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *WorkerClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func readError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("workertransport: request failed with status %d", resp.StatusCode)
	}
	return fmt.Errorf("workertransport: %s (status %d)", body.Error, resp.StatusCode)
}
