// Package platform – Telegram Bot API client.
//
// This file implements Client against the Telegram Bot API over HTTPS. The
// implementation stays deliberately small: one helper performs the POST,
// decodes the standard {ok, result, error_code, description} envelope, and
// translates failures into the package error taxonomy. Per-call deadlines
// come from the caller's context on top of a short client-level timeout.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram is the production Client backed by the Telegram Bot API.
type Telegram struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewTelegram constructs a Telegram client for the given bot token.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		token:   token,
		baseURL: defaultAPIBase,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewTelegramWithBase constructs a client against a custom API base URL.
// Used by tests to point the client at a local stub server.
func NewTelegramWithBase(token, baseURL string, hc *http.Client) *Telegram {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{token: token, baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// apiEnvelope is the standard Bot API response wrapper.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// apiMessage is the subset of a Message acknowledgment the relay inspects.
type apiMessage struct {
	MessageID       int64 `json:"message_id"`
	MessageThreadID int64 `json:"message_thread_id"`
	Chat            struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// apiMessageID is the result shape of copyMessage.
type apiMessageID struct {
	MessageID int64 `json:"message_id"`
}

// apiTopic is the result shape of createForumTopic.
type apiTopic struct {
	MessageThreadID int64  `json:"message_thread_id"`
	Name            string `json:"name"`
}

// call performs one Bot API method invocation and decodes the result into
// out (which may be nil for methods whose result is just "true").
func (t *Telegram) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return &Error{Kind: KindBadRequest, Description: fmt.Sprintf("encode %s: %v", method, err)}
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindTransport, Description: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Description: err.Error()}
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &Error{Kind: KindTransport, Description: "decode response: " + err.Error()}
	}
	if !env.OK {
		perr := classifyAPIError(env.ErrorCode, env.Description)
		log.Debug().
			Str("method", method).
			Int("code", env.ErrorCode).
			Str("kind", string(perr.Kind)).
			Str("description", env.Description).
			Msg("platform call rejected")
		return perr
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &Error{Kind: KindTransport, Description: "decode result: " + err.Error()}
		}
	}
	return nil
}

// classifyAPIError maps Bot API error codes/descriptions onto Kind. The
// description strings are the platform's documented phrasings; matching is
// case-insensitive and substring-based because the platform prepends
// "Bad Request: " style prefixes.
func classifyAPIError(code int, desc string) *Error {
	low := strings.ToLower(desc)
	kind := KindUnknown
	switch {
	case code == 429:
		kind = KindRateLimited
	case code == 403:
		kind = KindForbidden
	case strings.Contains(low, "thread not found"),
		strings.Contains(low, "topic_deleted"),
		strings.Contains(low, "topic_closed"),
		strings.Contains(low, "topic not found"):
		kind = KindThreadNotFound
	case strings.Contains(low, "chat not found"),
		strings.Contains(low, "group chat was upgraded"),
		strings.Contains(low, "bot was kicked"):
		kind = KindChatNotFound
	case strings.Contains(low, "message to delete not found"),
		strings.Contains(low, "message can't be deleted"):
		// Deleting an already-gone message is benign for every caller.
		kind = KindBadRequest
	case code == 400:
		kind = KindBadRequest
	}
	return &Error{Kind: kind, Code: code, Description: desc}
}

// SendMessage implements Client.
func (t *Telegram) SendMessage(ctx context.Context, chatID, threadID int64, text string) (*SendResult, error) {
	params := map[string]any{"chat_id": chatID, "text": text}
	if threadID != 0 {
		params["message_thread_id"] = threadID
	}
	var msg apiMessage
	if err := t.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &SendResult{
		MessageID:   msg.MessageID,
		ChatID:      msg.Chat.ID,
		ThreadID:    msg.MessageThreadID,
		HasThreadID: msg.MessageThreadID != 0,
	}, nil
}

// CopyMessage implements Client. The copyMessage acknowledgment only carries
// the new message id, so the result reports no thread id; callers that need
// redirect detection on copies should address health checks separately.
func (t *Telegram) CopyMessage(ctx context.Context, fromChatID, messageID, toChatID, threadID int64) (*SendResult, error) {
	params := map[string]any{
		"from_chat_id": fromChatID,
		"message_id":   messageID,
		"chat_id":      toChatID,
	}
	if threadID != 0 {
		params["message_thread_id"] = threadID
	}
	var mid apiMessageID
	if err := t.call(ctx, "copyMessage", params, &mid); err != nil {
		return nil, err
	}
	return &SendResult{MessageID: mid.MessageID, ChatID: toChatID}, nil
}

// DeleteMessage implements Client.
func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return t.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

// EditMessageText implements Client.
func (t *Telegram) EditMessageText(ctx context.Context, chatID, messageID int64, text string) (*SendResult, error) {
	var msg apiMessage
	err := t.call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &SendResult{
		MessageID:   msg.MessageID,
		ChatID:      msg.Chat.ID,
		ThreadID:    msg.MessageThreadID,
		HasThreadID: msg.MessageThreadID != 0,
	}, nil
}

// CreateForumTopic implements Client.
func (t *Telegram) CreateForumTopic(ctx context.Context, chatID int64, name string) (*Topic, error) {
	var topic apiTopic
	err := t.call(ctx, "createForumTopic", map[string]any{
		"chat_id": chatID,
		"name":    name,
	}, &topic)
	if err != nil {
		return nil, err
	}
	return &Topic{ThreadID: topic.MessageThreadID, Name: topic.Name}, nil
}

// CloseForumTopic implements Client.
func (t *Telegram) CloseForumTopic(ctx context.Context, chatID, threadID int64) error {
	return t.call(ctx, "closeForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
	}, nil)
}

// ReopenForumTopic implements Client.
func (t *Telegram) ReopenForumTopic(ctx context.Context, chatID, threadID int64) error {
	return t.call(ctx, "reopenForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
	}, nil)
}

// DeleteForumTopic implements Client.
func (t *Telegram) DeleteForumTopic(ctx context.Context, chatID, threadID int64) error {
	return t.call(ctx, "deleteForumTopic", map[string]any{
		"chat_id":           chatID,
		"message_thread_id": threadID,
	}, nil)
}
