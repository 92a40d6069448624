// Package graphqlapi is the remote-API job backend. It talks to a GraphQL
// service exposing Hasura-style scans and scan_findings collections.
//
// The API offers no row locks, so claims use a conditional update
// (status must still be queued) and exclusivity is best-effort: it holds
// only as far as the service applies each update atomically.
package graphqlapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/machinebox/graphql"

	"github.com/yourorg/wpsentinel-worker/internal/model"
	"github.com/yourorg/wpsentinel-worker/internal/queue"
)

const (
	claimBatch = 5
	// claimRounds caps how often the queue is re-listed after every
	// candidate was lost. The worker's poll interval paces further attempts.
	claimRounds = 3
)

var (
	_ queue.Backend   = (*Client)(nil)
	_ queue.Submitter = (*Client)(nil)
)

type Client struct {
	gql      *graphql.Client
	token    string
	workerID string
	now      func() time.Time
}

func New(endpoint, token, workerID string) *Client {
	hc := &http.Client{Timeout: 30 * time.Second}
	return &Client{
		gql:      graphql.NewClient(endpoint, graphql.WithHTTPClient(hc)),
		token:    token,
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) request(q string, vars map[string]any) *graphql.Request {
	req := graphql.NewRequest(q)
	for k, v := range vars {
		req.Var(k, v)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req
}

func (c *Client) run(ctx context.Context, q string, vars map[string]any, out any) error {
	return c.gql.Run(ctx, c.request(q, vars), out)
}

const pingQuery = `query Ping { __typename }`

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp struct {
		Typename string `json:"__typename"`
	}
	return c.run(ctx, pingQuery, nil, &resp)
}

func (c *Client) Close() {}

func (c *Client) Acquire(ctx context.Context) (queue.Session, error) {
	return &session{c: c}, nil
}

const enqueueMutation = `
mutation EnqueueScan($targetUrl: String!) {
  insert_scans_one(object: {target_url: $targetUrl, status: "queued"}) { id }
}`

func (c *Client) Enqueue(ctx context.Context, targetURL string) (string, error) {
	var resp struct {
		Insert struct {
			ID string `json:"id"`
		} `json:"insert_scans_one"`
	}
	if err := c.run(ctx, enqueueMutation, map[string]any{"targetUrl": targetURL}, &resp); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return resp.Insert.ID, nil
}

type session struct {
	c *Client
}

func (s *session) Release() {}

const nextQueuedQuery = `
query NextQueued($limit: Int!) {
  scans(where: {status: {_eq: "queued"}}, order_by: {created_at: asc}, limit: $limit) {
    id
    target_url
  }
}`

const claimMutation = `
mutation ClaimScan($id: uuid!, $workerId: String!, $startedAt: timestamptz!) {
  update_scans(
    where: {id: {_eq: $id}, status: {_eq: "queued"}},
    _set: {status: "running", started_at: $startedAt, finished_at: null, error_message: null, worker_id: $workerId}
  ) { affected_rows }
}`

type affected struct {
	Update struct {
		AffectedRows int `json:"affected_rows"`
	} `json:"update_scans"`
}

func (s *session) ClaimNext(ctx context.Context) (*model.ScanJob, error) {
	for round := 0; round < claimRounds; round++ {
		var next struct {
			Scans []struct {
				ID        string `json:"id"`
				TargetURL string `json:"target_url"`
			} `json:"scans"`
		}
		if err := s.c.run(ctx, nextQueuedQuery, map[string]any{"limit": claimBatch}, &next); err != nil {
			return nil, fmt.Errorf("list queued scans: %w", err)
		}
		if len(next.Scans) == 0 {
			return nil, nil
		}
		for _, cand := range next.Scans {
			var resp affected
			vars := map[string]any{
				"id":        cand.ID,
				"workerId":  s.c.workerID,
				"startedAt": s.c.now(),
			}
			if err := s.c.run(ctx, claimMutation, vars, &resp); err != nil {
				return nil, fmt.Errorf("claim %s: %w", cand.ID, err)
			}
			if resp.Update.AffectedRows == 1 {
				return &model.ScanJob{ID: cand.ID, TargetURL: cand.TargetURL}, nil
			}
		}
	}
	return nil, nil
}

const insertFindingMutation = `
mutation InsertFinding($object: scan_findings_insert_input!) {
  insert_scan_findings_one(object: $object) { id }
}`

func (s *session) InsertFinding(ctx context.Context, jobID string, f model.Finding) error {
	obj := map[string]any{
		"scan_id":        jobID,
		"severity":       string(f.Severity),
		"title":          f.Title,
		"description":    nullableString(f.Description),
		"evidence":       nullableString(f.Evidence),
		"recommendation": nullableString(f.Recommendation),
	}
	var resp struct {
		Insert struct {
			ID any `json:"id"`
		} `json:"insert_scan_findings_one"`
	}
	if err := s.c.run(ctx, insertFindingMutation, map[string]any{"object": obj}, &resp); err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

const markSucceededMutation = `
mutation MarkSucceeded($id: uuid!, $workerId: String!, $finishedAt: timestamptz!, $count: Int!, $metadata: jsonb!) {
  update_scans(
    where: {id: {_eq: $id}, status: {_in: ["queued", "running"]}, _or: [{worker_id: {_eq: $workerId}}, {worker_id: {_is_null: true}}]},
    _set: {status: "succeeded", finished_at: $finishedAt, vulnerabilities_count: $count, metadata: $metadata}
  ) { affected_rows }
}`

func (s *session) MarkSucceeded(ctx context.Context, jobID string, vulnerabilities int, metrics model.ScanMetrics) error {
	vars := map[string]any{
		"id":         jobID,
		"workerId":   s.c.workerID,
		"finishedAt": s.c.now(),
		"count":      vulnerabilities,
		"metadata":   metrics,
	}
	var resp affected
	if err := s.c.run(ctx, markSucceededMutation, vars, &resp); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

const markFailedMutation = `
mutation MarkFailed($id: uuid!, $workerId: String!, $finishedAt: timestamptz!, $error: String!) {
  update_scans(
    where: {id: {_eq: $id}, status: {_in: ["queued", "running"]}, _or: [{worker_id: {_eq: $workerId}}, {worker_id: {_is_null: true}}]},
    _set: {status: "failed", finished_at: $finishedAt, error_message: $error}
  ) { affected_rows }
}`

func (s *session) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	vars := map[string]any{
		"id":         jobID,
		"workerId":   s.c.workerID,
		"finishedAt": s.c.now(),
		"error":      errMsg,
	}
	var resp affected
	if err := s.c.run(ctx, markFailedMutation, vars, &resp); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
