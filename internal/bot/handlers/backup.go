package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hray3182/titanbot/internal/backup"
)

const maxBackupSize = 1 << 20

var errTooLarge = errors.New("file is too large")

func (h *Handlers) handleExport(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(ctx, msg) {
		return
	}
	data, err := h.deps.Backup.Export(ctx)
	if err != nil {
		h.replyError(msg.Chat.ID, "export", err)
		return
	}
	doc := tgbotapi.NewDocument(msg.Chat.ID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("titan_backup_%s.yaml", h.deps.Now().In(h.deps.Location).Format("20060102_1504")),
		Bytes: data,
	})
	doc.Caption = "✅ Backup Export"
	if _, err := h.api.Send(doc); err != nil {
		h.log.Error().Err(err).Msg("failed to send backup")
		h.sendMessage(msg.Chat.ID, "⚠️ Could not upload the backup file.")
	}
}

// IsImport reports whether msg is a backup upload.
func IsImport(msg *tgbotapi.Message) bool {
	if msg == nil || msg.Document == nil {
		return false
	}
	cmd, _, _ := strings.Cut(strings.TrimSpace(msg.Caption), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/import"
}

// HandleImport restores a backup document sent with the /import caption.
func (h *Handlers) HandleImport(ctx context.Context, msg *tgbotapi.Message) {
	if !h.requireAdmin(ctx, msg) {
		return
	}
	if msg.Document.FileSize > maxBackupSize {
		h.sendMessage(msg.Chat.ID, "❌ Backup file is too large.")
		return
	}
	data, err := h.download(ctx, msg.Document.FileID, maxBackupSize)
	if errors.Is(err, errTooLarge) {
		h.sendMessage(msg.Chat.ID, "❌ Backup file is too large.")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to download backup")
		h.sendMessage(msg.Chat.ID, "⚠️ Could not download the file, try again.")
		return
	}

	res, err := h.deps.Backup.Import(ctx, caller(msg.From), data)
	if err != nil {
		if errors.Is(err, backup.ErrInvalidBackup) {
			h.sendMessage(msg.Chat.ID, "❌ "+html.EscapeString(err.Error()))
			return
		}
		h.replyError(msg.Chat.ID, "import", err)
		return
	}
	if len(res.Created) > 0 {
		h.notifyScheduler()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ <b>Import finished</b>\n%s", html.EscapeString(res.String()))
	for _, f := range res.Failed {
		sb.WriteString("\n• " + html.EscapeString(f))
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

// download fetches a Telegram file, failing with errTooLarge past limit bytes.
func (h *Handlers) download(ctx context.Context, fileID string, limit int64) ([]byte, error) {
	url, err := h.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	return data, nil
}
