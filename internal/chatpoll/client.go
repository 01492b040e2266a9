package chatpoll

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// longPollWait mirrors the spec's "~100s server-side wait" for the chat
// provider's get-updates endpoint.
const longPollWait = 100 * time.Second

// Update is one inbound message from the chat provider, trimmed to the
// fields the ingress needs.
type Update struct {
	ID       int64
	FromID   string
	FromName string
	Text     string
}

// fatalError marks a chat-provider response that should stop the poller
// rather than be retried — an auth rejection, per spec.md §4.9.
type fatalError struct{ msg string }

func (e *fatalError) Error() string { return e.msg }

func isFatal(err error) bool {
	_, ok := err.(*fatalError)
	return ok
}

// ChatClient polls a chat provider's long-poll "get updates" endpoint. The
// concrete implementation here speaks the Telegram Bot API shape, which is
// the one the core's CHAT_API_TOKEN/CHAT_AUTHORIZED_PEER naming was
// designed against; any provider with an equivalent long-poll endpoint can
// implement the same interface.
type ChatClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewChatClient(token string) *ChatClient {
	return &ChatClient{
		httpClient: &http.Client{Timeout: longPollWait + 10*time.Second},
		baseURL:    fmt.Sprintf("https://api.telegram.org/bot%s", token),
	}
}

type getUpdatesResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      []struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			From struct {
				ID       int64  `json:"id"`
				Username string `json:"username"`
			} `json:"from"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"result"`
}

// GetUpdates long-polls for new messages with update_id > offset, returning
// the highest update_id seen (offset itself if none is newer) alongside the
// updates.
func (c *ChatClient) GetUpdates(ctx context.Context, offset int64) ([]Update, int64, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset+1, 10))
	q.Set("timeout", strconv.Itoa(int(longPollWait.Seconds())))

	reqURL := c.baseURL + "/getUpdates?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, offset, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, offset, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, offset, &fatalError{msg: fmt.Sprintf("chat provider rejected credentials: HTTP %d", resp.StatusCode)}
	}

	var body getUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, offset, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !body.OK {
		if body.ErrorCode == 401 || body.ErrorCode == 403 {
			return nil, offset, &fatalError{msg: fmt.Sprintf("chat provider rejected credentials: %s", body.Description)}
		}
		return nil, offset, fmt.Errorf("getUpdates failed: %s", body.Description)
	}

	newOffset := offset
	updates := make([]Update, 0, len(body.Result))
	for _, item := range body.Result {
		if item.UpdateID > newOffset {
			newOffset = item.UpdateID
		}
		if item.Message == nil || item.Message.Text == "" {
			continue
		}
		updates = append(updates, Update{
			ID:       item.UpdateID,
			FromID:   strconv.FormatInt(item.Message.From.ID, 10),
			FromName: item.Message.From.Username,
			Text:     item.Message.Text,
		})
	}
	return updates, newOffset, nil
}
