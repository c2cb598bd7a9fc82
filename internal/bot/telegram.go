package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"wanVideoBot/internal/models"
)

func (b *Bot) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *Bot) postJSON(method string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b.HTTPClient.Post(fmt.Sprintf("%s/%s", b.APIURL, method), "application/json", bytes.NewBuffer(jsonData))
}

func (b *Bot) sendJSON(method string, data any) {
	resp, err := b.postJSON(method, data)
	if err != nil {
		zap.L().Warn("telegram request failed", zap.String("method", method), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		zap.L().Warn("telegram rejected request",
			zap.String("method", method), zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
	}
}

func (b *Bot) sendChatAction(chatID int64, action string) {
	b.sendJSON("sendChatAction", models.SendChatActionRequest{ChatID: chatID, Action: action})
}

func (b *Bot) deleteMessage(chatID int64, messageID int64) {
	b.sendJSON("deleteMessage", models.DeleteMessageRequest{ChatID: chatID, MessageID: messageID})
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.sendJSON("sendMessage", models.SendMessageRequest{
		ChatID: chatID, Text: text, ParseMode: "HTML",
	})
}

func (b *Bot) sendMessageReturnID(chatID int64, text string) (int64, error) {
	resp, err := b.postJSON("sendMessage", models.SendMessageRequest{
		ChatID: chatID, Text: text, ParseMode: "HTML",
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var result models.MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	if !result.Ok || result.Result == nil {
		return 0, fmt.Errorf("failed to send: %s", result.Description)
	}
	return result.Result.MessageID, nil
}

func (b *Bot) sendMessageWithKeyboard(chatID int64, text string, kb models.InlineKeyboardMarkup) {
	b.sendJSON("sendMessage", models.SendMessageRequest{
		ChatID: chatID, Text: text, ReplyMarkup: kb, ParseMode: "HTML",
	})
}

func (b *Bot) editMessageWithKeyboard(chatID int64, messageID int64, text string, kb models.InlineKeyboardMarkup) {
	b.sendJSON("editMessageText", models.EditMessageTextRequest{
		ChatID: chatID, MessageID: messageID, Text: text, ReplyMarkup: kb, ParseMode: "HTML",
	})
}

// sendVideo re-uploads the result so it plays inline. Provider links
// expire, so a failed upload falls back to sending the link.
func (b *Bot) sendVideo(chatID int64, videoURL, caption, lang string) {
	b.sendChatAction(chatID, "upload_video")

	resp, err := b.HTTPClient.Get(videoURL)
	if err != nil {
		zap.L().Error("video download failed", zap.String("url", videoURL), zap.Error(err))
		b.sendVideoByLink(chatID, videoURL, caption, lang)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		zap.L().Error("video server refused download", zap.Int("status", resp.StatusCode))
		b.sendVideoByLink(chatID, videoURL, caption, lang)
		return
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	writer.WriteField("chat_id", fmt.Sprintf("%d", chatID))
	writer.WriteField("caption", caption)
	writer.WriteField("parse_mode", "HTML")
	writer.WriteField("supports_streaming", "true")

	part, err := writer.CreateFormFile("video", "video.mp4")
	if err != nil {
		b.sendVideoByLink(chatID, videoURL, caption, lang)
		return
	}
	if _, err := io.Copy(part, resp.Body); err != nil {
		zap.L().Error("video read failed", zap.Error(err))
		b.sendMessage(chatID, b.Localizer.Get(lang, "err_download"))
		return
	}
	writer.Close()

	uploadReq, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/sendVideo", b.APIURL), body)
	if err != nil {
		return
	}
	uploadReq.Header.Set("Content-Type", writer.FormDataContentType())

	uploadResp, err := b.HTTPClient.Do(uploadReq)
	if err != nil {
		zap.L().Warn("telegram upload failed", zap.Error(err))
		b.sendVideoByLink(chatID, videoURL, caption, lang)
		return
	}
	defer uploadResp.Body.Close()

	if uploadResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(uploadResp.Body)
		zap.L().Warn("telegram rejected video", zap.ByteString("body", respBody))
		b.sendVideoByLink(chatID, videoURL, caption, lang)
	}
}

func (b *Bot) sendVideoByLink(chatID int64, videoURL, caption, lang string) {
	resp, err := b.postJSON("sendVideo", models.SendVideoRequest{
		ChatID:            chatID,
		Video:             videoURL,
		Caption:           caption,
		ParseMode:         "HTML",
		SupportsStreaming: true,
	})
	if err != nil {
		zap.L().Error("video link send failed", zap.Error(err))
		b.sendMessage(chatID, b.Localizer.Get(lang, "err_send_tele"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		zap.L().Warn("telegram rejected video link", zap.ByteString("body", bodyBytes))
		b.sendMessage(chatID, fmt.Sprintf("%s\n\n<a href=\"%s\">%s</a>", b.Localizer.Get(lang, "err_send_tele"), videoURL, videoURL))
	}
}
