package githost

import (
	"context"
	"fmt"
	"strings"
	"time"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

// Review threads are only exposed through GraphQL.

const reviewThreadsQuery = `query($owner: String!, $repo: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          isResolved
          isOutdated
          path
          line
          comments(first: 50) {
            nodes { databaseId body url createdAt author { login } }
          }
        }
      }
    }
  }
}`

const replyMutation = `mutation($thread: ID!, $body: String!) {
  addPullRequestReviewThreadReply(input: {pullRequestReviewThreadId: $thread, body: $body}) {
    comment { id }
  }
}`

const resolveMutation = `mutation($thread: ID!) {
  resolveReviewThread(input: {threadId: $thread}) {
    thread { id isResolved }
  }
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type reviewThread struct {
	ID         string `json:"id"`
	IsResolved bool   `json:"isResolved"`
	IsOutdated bool   `json:"isOutdated"`
	Path       string `json:"path"`
	Line       int    `json:"line"`
	Comments   struct {
		Nodes []struct {
			DatabaseID int64     `json:"databaseId"`
			Body       string    `json:"body"`
			URL        string    `json:"url"`
			CreatedAt  time.Time `json:"createdAt"`
			Author     struct {
				Login string `json:"login"`
			} `json:"author"`
		} `json:"nodes"`
	} `json:"comments"`
}

type threadsResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []reviewThread `json:"nodes"`
				} `json:"reviewThreads"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type mutationResponse struct {
	Data   map[string]any `json:"data"`
	Errors []graphqlError `json:"errors"`
}

// graphql posts a query and decodes the response into out.
func (g *GitHub) graphql(ctx context.Context, op, query string, vars map[string]any, out any) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	req, err := g.client.NewRequest("POST", g.graphqlURL, graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	resp, err := g.client.Do(ctx, req, out)
	if err != nil {
		return hostError(op, resp, err)
	}
	return nil
}

func graphqlFailure(op string, errs []graphqlError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	he := tmerrors.NewHostError(strings.Join(msgs, "; "), nil).WithOperation(op)
	for _, e := range errs {
		switch e.Type {
		case "RATE_LIMITED":
			return he.WithStatusCode(429)
		case "NOT_FOUND", "FORBIDDEN":
			return he.WithStatusCode(404)
		}
	}
	return he
}

func (g *GitHub) reviewThreads(ctx context.Context, number int) ([]reviewThread, error) {
	var (
		threads []reviewThread
		cursor  *string
	)
	for {
		var res threadsResponse
		vars := map[string]any{"owner": g.owner, "repo": g.repo, "number": number, "cursor": cursor}
		if err := g.graphql(ctx, "review_threads", reviewThreadsQuery, vars, &res); err != nil {
			return nil, err
		}
		if err := graphqlFailure("review_threads", res.Errors); err != nil {
			return nil, err
		}
		page := res.Data.Repository.PullRequest.ReviewThreads
		threads = append(threads, page.Nodes...)
		if !page.PageInfo.HasNextPage || page.PageInfo.EndCursor == "" {
			return threads, nil
		}
		next := page.PageInfo.EndCursor
		cursor = &next
	}
}

// ListComments flattens review threads into comments, oldest first within
// each thread.
func (g *GitHub) ListComments(ctx context.Context, number int, onlyUnresolved bool) ([]Comment, error) {
	threads, err := g.reviewThreads(ctx, number)
	if err != nil {
		return nil, err
	}
	var out []Comment
	for _, t := range threads {
		if onlyUnresolved && t.IsResolved {
			continue
		}
		for _, c := range t.Comments.Nodes {
			out = append(out, Comment{
				ThreadID:  t.ID,
				CommentID: c.DatabaseID,
				Author:    c.Author.Login,
				Body:      c.Body,
				Path:      t.Path,
				Line:      t.Line,
				URL:       c.URL,
				Resolved:  t.IsResolved,
				Outdated:  t.IsOutdated,
				CreatedAt: c.CreatedAt,
			})
		}
	}
	return out, nil
}

// ReplyToThread posts body as a reply in the review thread.
func (g *GitHub) ReplyToThread(ctx context.Context, number int, threadID, body string) error {
	if threadID == "" || strings.TrimSpace(body) == "" {
		return tmerrors.NewValidationError("thread id and body are required").WithField("reply")
	}
	var res mutationResponse
	vars := map[string]any{"thread": threadID, "body": body}
	if err := g.graphql(ctx, "reply_thread", replyMutation, vars, &res); err != nil {
		return err
	}
	if err := graphqlFailure("reply_thread", res.Errors); err != nil {
		return err
	}
	g.logger.Debug("replied to review thread", "number", number, "thread", threadID)
	return nil
}

// ResolveThread marks the review thread resolved.
func (g *GitHub) ResolveThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return tmerrors.NewValidationError("thread id is required").WithField("resolve")
	}
	var res mutationResponse
	if err := g.graphql(ctx, "resolve_thread", resolveMutation, map[string]any{"thread": threadID}, &res); err != nil {
		return err
	}
	return graphqlFailure("resolve_thread", res.Errors)
}
