package gateway

import (
	"errors"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"

	"github.com/rentchat/internal/api"
	"github.com/rentchat/internal/client"
	"github.com/rentchat/internal/notify"
	"github.com/rentchat/internal/store"
)

const maxUploadSize = 20 << 20

func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.client.Status())
}

func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.client.Conversations())
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := g.client.LoadConversations(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "failed to refresh conversations")
		return
	}
	writeJSON(w, http.StatusOK, g.client.Conversations())
}

func (g *Gateway) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	msgs, err := g.client.SelectConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.client.Messages(chi.URLParam(r, "conversationID")))
}

type sendRequest struct {
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

type sendResponse struct {
	Message any    `json:"message"`
	Warning string `json:"warning,omitempty"`
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := g.client.SendMessage(store.SendInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		Content:        req.Content,
		ReplyToID:      req.ReplyToID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, sendResponse{Message: m})
	case client.IsRetryable(err):
		// Message accepted; an older queued action was dropped.
		writeJSON(w, http.StatusAccepted, sendResponse{Message: m, Warning: err.Error()})
	case errors.Is(err, store.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "content required")
	default:
		writeError(w, http.StatusInternalServerError, "failed to send")
	}
}

func (g *Gateway) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	var files []api.UploadFile
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file part")
			return
		}
		defer f.Close()
		files = append(files, api.UploadFile{Name: fh.Filename, Size: fh.Size, Reader: f})
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "files required")
		return
	}
	m, err := g.client.SendMessageWithFiles(r.Context(), store.SendInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		Content:        r.FormValue("content"),
		ReplyToID:      r.FormValue("reply_to_id"),
	}, files)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upload failed, message marked failed")
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{Message: m})
}

type editRequest struct {
	Content string `json:"content"`
}

func (g *Gateway) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := g.client.UpdateMessage(chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"), req.Content)
	g.writeMutationResult(w, err)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := g.client.DeleteMessage(chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	g.writeMutationResult(w, err)
}

func (g *Gateway) handleResend(w http.ResponseWriter, r *http.Request) {
	err := g.client.ResendMessage(chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	g.writeMutationResult(w, err)
}

func (g *Gateway) writeMutationResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case client.IsRetryable(err):
		writeJSON(w, http.StatusAccepted, sendResponse{Warning: err.Error()})
	case errors.Is(err, store.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "content required")
	default:
		writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (g *Gateway) handleToggleReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji required")
		return
	}
	err := g.client.ToggleReaction(chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"), req.Emoji)
	g.writeMutationResult(w, err)
}

func (g *Gateway) handleReactions(w http.ResponseWriter, r *http.Request) {
	groups, err := g.client.Reactions(chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (g *Gateway) handleTypingStart(w http.ResponseWriter, r *http.Request) {
	g.client.NotifyLocalTyping(chi.URLParam(r, "conversationID"))
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTypingBlur(w http.ResponseWriter, r *http.Request) {
	g.client.NotifyInputBlurred(chi.URLParam(r, "conversationID"))
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleTypingIndicator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"text": g.client.TypingIndicator(chi.URLParam(r, "conversationID")),
	})
}

type settingsResponse struct {
	Settings any    `json:"settings"`
	Warning  string `json:"warning,omitempty"`
}

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{Settings: g.client.Dispatcher().Settings()})
}

func (g *Gateway) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch notify.SettingsPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	merged, err := g.client.Dispatcher().UpdateSettings(r.Context(), patch)
	resp := settingsResponse{Settings: merged}
	if err != nil {
		// Non-fatal: in-memory settings remain authoritative.
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	merged, err := g.client.Dispatcher().ResetSettings(r.Context())
	resp := settingsResponse{Settings: merged}
	if err != nil {
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleNotifications(w http.ResponseWriter, r *http.Request) {
	d := g.client.Dispatcher()
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": d.Notifications(),
		"unread":        d.UnreadCount(),
	})
}

func (g *Gateway) handleReadAll(w http.ResponseWriter, r *http.Request) {
	g.client.Dispatcher().MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleReadOne(w http.ResponseWriter, r *http.Request) {
	g.client.Dispatcher().MarkRead(chi.URLParam(r, "notificationID"))
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handlePushKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": g.push.PublicKey()})
}

func (g *Gateway) handlePushPermission(w http.ResponseWriter, r *http.Request) {
	granted, err := g.client.Dispatcher().RequestPermission(r.Context())
	if err != nil && !errors.Is(err, notify.ErrPermissionDenied) {
		writeError(w, http.StatusBadGateway, "permission check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub webpush.Subscription
	if !decodeJSON(w, r, &sub) {
		return
	}
	if sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := g.push.SetSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusBadGateway, "failed to store subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := g.push.ClearSubscription(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "failed to drop subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
