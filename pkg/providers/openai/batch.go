package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"apex-hq/meridian/pkg/providers"
)

// batchEndpoint is the endpoint batched rows are replayed against.
const batchEndpoint = "/v1/chat/completions"

// batchRow is one line of the uploaded JSONL input file.
type batchRow struct {
	CustomID string       `json:"custom_id"`
	Method   string       `json:"method"`
	URL      string       `json:"url"`
	Body     *chatRequest `json:"body"`
}

// batchOutputRow is one line of the downloaded JSONL output file.
type batchOutputRow struct {
	CustomID string              `json:"custom_id"`
	Response *batchRowResponse   `json:"response,omitempty"`
	Error    *batchRowError      `json:"error,omitempty"`
}

type batchRowResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type batchRowError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type fileObject struct {
	ID string `json:"id"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
}

// StartBatch implements providers.Provider: upload the requests as a JSONL
// file, then create a batch referencing it.
func (c *Client) StartBatch(ctx context.Context, items []providers.BatchItem) (*providers.BatchHandle, error) {
	if !c.info.supportsBatch {
		return nil, &providers.BatchUnsupportedError{ProviderType: c.cfg.Kind}
	}
	if len(items) == 0 {
		return nil, &providers.InvalidRequestError{
			ProviderType: c.cfg.Kind,
			Message:      "batch must contain at least one item",
		}
	}

	var jsonl bytes.Buffer
	encoder := json.NewEncoder(&jsonl)
	for _, item := range items {
		wire, err := translateRequest(item.Request, c.cfg.Model, c.cfg.Kind)
		if err != nil {
			return nil, fmt.Errorf("batch item %q: %w", item.CustomID, err)
		}
		wire.Stream = false
		wire.StreamOptions = nil
		row := batchRow{
			CustomID: item.CustomID,
			Method:   http.MethodPost,
			URL:      batchEndpoint,
			Body:     wire,
		}
		if err := encoder.Encode(row); err != nil {
			return nil, &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
		}
	}

	inputFileID, err := c.uploadBatchFile(ctx, jsonl.Bytes())
	if err != nil {
		return nil, err
	}

	createBody, err := json.Marshal(map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          batchEndpoint,
		"completion_window": "24h",
	})
	if err != nil {
		return nil, &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}

	headers, err := c.headers(nil, nil)
	if err != nil {
		return nil, err
	}
	respBody, err := c.http.Do(ctx, http.MethodPost, c.cfg.APIBase+"/batches", createBody, headers)
	if err != nil {
		return nil, err
	}

	var batch batchObject
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return nil, &providers.SerializationError{
			ProviderType: c.cfg.Kind,
			RawResponse:  string(respBody),
			Cause:        err,
		}
	}
	return &providers.BatchHandle{ID: batch.ID, InputFileID: inputFileID}, nil
}

// uploadBatchFile uploads JSONL content with purpose=batch and returns the
// file id.
func (c *Client) uploadBatchFile(ctx context.Context, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}
	part, err := writer.CreateFormFile("file", "batch.jsonl")
	if err != nil {
		return "", &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}
	if err := writer.Close(); err != nil {
		return "", &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}

	headers, err := c.headers(nil, nil)
	if err != nil {
		return "", err
	}
	headers["Content-Type"] = writer.FormDataContentType()

	respBody, err := c.http.Do(ctx, http.MethodPost, c.cfg.APIBase+"/files", buf.Bytes(), headers)
	if err != nil {
		return "", err
	}

	var file fileObject
	if err := json.Unmarshal(respBody, &file); err != nil {
		return "", &providers.SerializationError{
			ProviderType: c.cfg.Kind,
			RawResponse:  string(respBody),
			Cause:        err,
		}
	}
	return file.ID, nil
}

// PollBatch implements providers.Provider. Completed batches download and
// translate the output file; the handle is updated with the output file id.
func (c *Client) PollBatch(ctx context.Context, handle *providers.BatchHandle) (*providers.BatchPoll, error) {
	if !c.info.supportsBatch {
		return nil, &providers.BatchUnsupportedError{ProviderType: c.cfg.Kind}
	}

	headers, err := c.headers(nil, nil)
	if err != nil {
		return nil, err
	}
	respBody, err := c.http.Do(ctx, http.MethodGet, c.cfg.APIBase+"/batches/"+handle.ID, nil, headers)
	if err != nil {
		return nil, err
	}

	var batch batchObject
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return nil, &providers.SerializationError{
			ProviderType: c.cfg.Kind,
			RawResponse:  string(respBody),
			Cause:        err,
		}
	}

	poll := &providers.BatchPoll{RawStatus: batch.Status}
	switch batch.Status {
	case "validating", "in_progress", "finalizing":
		poll.Status = providers.BatchPending
		return poll, nil
	case "completed":
		poll.Status = providers.BatchCompleted
	case "failed", "expired", "cancelling", "cancelled":
		poll.Status = providers.BatchFailed
		return poll, nil
	default:
		return nil, &providers.SerializationError{
			ProviderType: c.cfg.Kind,
			RawResponse:  string(respBody),
			Cause:        fmt.Errorf("unknown batch status %q", batch.Status),
		}
	}

	handle.OutputFileID = batch.OutputFileID
	results, err := c.downloadBatchResults(ctx, batch.OutputFileID, headers)
	if err != nil {
		return nil, err
	}
	poll.Results = results
	return poll, nil
}

func (c *Client) downloadBatchResults(ctx context.Context, outputFileID string, headers map[string]string) ([]providers.BatchResult, error) {
	respBody, err := c.http.Do(ctx, http.MethodGet, c.cfg.APIBase+"/files/"+outputFileID+"/content", nil, headers)
	if err != nil {
		return nil, err
	}

	var results []providers.BatchResult
	scanner := bufio.NewScanner(bytes.NewReader(respBody))
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxJSONLLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var row batchOutputRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, &providers.SerializationError{
				ProviderType: c.cfg.Kind,
				RawResponse:  line,
				Cause:        err,
			}
		}

		result := providers.BatchResult{CustomID: row.CustomID}
		switch {
		case row.Error != nil:
			result.Err = &providers.ClientError{
				ProviderType: c.cfg.Kind,
				RawResponse:  row.Error.Message,
				Cause:        fmt.Errorf("%s: %s", row.Error.Code, row.Error.Message),
			}
		case row.Response == nil:
			result.Err = &providers.SerializationError{
				ProviderType: c.cfg.Kind,
				RawResponse:  line,
				Cause:        fmt.Errorf("row has neither response nor error"),
			}
		case row.Response.StatusCode < 200 || row.Response.StatusCode >= 300:
			result.Err = &providers.ClientError{
				ProviderType: c.cfg.Kind,
				StatusCode:   row.Response.StatusCode,
				RawResponse:  string(row.Response.Body),
			}
		default:
			resp, err := translateResponse(row.Response.Body, c.cfg.Name, c.cfg.Kind)
			if err != nil {
				result.Err = err
			} else {
				resp.RawResponse = string(row.Response.Body)
				result.Response = resp
			}
		}
		results = append(results, result)
	}
	if err := scanner.Err(); err != nil {
		return nil, &providers.SerializationError{ProviderType: c.cfg.Kind, Cause: err}
	}
	return results, nil
}

// sseMaxJSONLLine bounds one output-file row.
const sseMaxJSONLLine = 16 << 20
