package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/credits"
	"wanVideoBot/internal/database"
	"wanVideoBot/internal/generation"
	"wanVideoBot/internal/i18n"
	"wanVideoBot/internal/models"
	"wanVideoBot/internal/service"
)

const telegramBaseURL = "https://api.telegram.org"

// ImageUploader stores an uploaded photo and returns a URL the provider can
// fetch.
type ImageUploader interface {
	PutImage(ctx context.Context, userID, name string, r io.Reader, size int64, contentType string) (string, error)
}

type Bot struct {
	Token        string
	APIURL       string
	FileURL      string
	DB           *database.Store
	Service      *service.GenerationService
	Images       ImageUploader
	Catalog      *catalog.Catalog
	Registry     *catalog.Registry
	Localizer    *i18n.Localizer
	HTTPClient   *http.Client
	Offset       int64
	PollInterval time.Duration
	PollTimeout  time.Duration
	activeTasks  map[int64]*pollTask
	mu           sync.Mutex
}

type pollTask struct {
	cancel context.CancelFunc
}

func NewBot(token string, db *database.Store, svc *service.GenerationService, loc *i18n.Localizer, cat *catalog.Catalog, reg *catalog.Registry) *Bot {
	return &Bot{
		Token:        token,
		APIURL:       telegramBaseURL + "/bot" + token,
		FileURL:      telegramBaseURL + "/file/bot" + token,
		DB:           db,
		Service:      svc,
		Catalog:      cat,
		Registry:     reg,
		Localizer:    loc,
		HTTPClient:   &http.Client{Timeout: 90 * time.Second},
		PollInterval: 5 * time.Second,
		PollTimeout:  10 * time.Minute,
		activeTasks:  make(map[int64]*pollTask),
	}
}

// Start long-polls Telegram until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	zap.L().Info("bot started polling")
	for {
		select {
		case <-ctx.Done():
			b.cancelAll()
			return
		default:
		}

		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			zap.L().Warn("get updates failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= b.Offset {
				b.Offset = update.UpdateID + 1
			}
			go b.handleUpdate(update)
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context) ([]models.TelegramUpdate, error) {
	url := fmt.Sprintf("%s/getUpdates?offset=%d&timeout=60", b.APIURL, b.Offset)
	var result models.TelegramResponse
	if err := b.getJSON(ctx, url, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (b *Bot) handleUpdate(u models.TelegramUpdate) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("update handler panicked", zap.Int64("update_id", u.UpdateID), zap.Any("panic", r))
		}
	}()

	if u.CallbackQuery != nil {
		b.handleCallback(u.CallbackQuery)
		return
	}
	if u.Message != nil && u.Message.From != nil && u.Message.Chat != nil {
		if len(u.Message.Photo) > 0 {
			b.handlePhotoUpload(u.Message)
			return
		}
		if u.Message.Text != "" {
			b.handleMessage(u.Message)
		}
	}
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// language returns the stored choice, else the Telegram client language
// when we have a translation for it.
func (b *Bot) language(ctx context.Context, user *models.User) string {
	if lang := b.DB.GetUserLanguage(ctx, userKey(user.ID)); lang != "" {
		return lang
	}
	if b.Localizer.Supports(user.Language) {
		return user.Language
	}
	return ""
}

// command strips the bot mention from "/cmd@bot_name".
func command(text string) string {
	cmd, _, _ := strings.Cut(strings.Fields(text + " ")[0], "@")
	return cmd
}

func (b *Bot) handleMessage(msg *models.TelegramMessage) {
	ctx := context.Background()
	text := strings.TrimSpace(msg.Text)
	chatID := msg.Chat.ID
	userID := userKey(msg.From.ID)

	if _, err := b.Service.Credits(ctx, userID); err != nil {
		zap.L().Error("ensure user failed", zap.String("user_id", userID), zap.Error(err))
	}
	lang := b.language(ctx, msg.From)

	if strings.HasPrefix(text, "/") {
		switch command(text) {
		case "/start":
			b.DB.SetUserState(ctx, userID, database.StateIdle, "")
			b.sendMessage(chatID, b.Localizer.Get(lang, "welcome"))
			return
		case "/cancel":
			b.handleCancel(chatID, msg.From.ID, lang)
			return
		case "/lang":
			b.showLanguageMenu(chatID, 0, false, lang)
			return
		case "/t2v":
			b.showModels(chatID, 0, false, lang, generation.ModeTextToVideo)
			return
		case "/i2v":
			b.showModels(chatID, 0, false, lang, generation.ModeImageToVideo)
			return
		case "/templates":
			b.showCategories(chatID, 0, false, lang)
			return
		case "/credits":
			b.showCredits(chatID, userID, lang)
			return
		}
	}

	state := b.DB.GetUserState(ctx, userID)

	if state.State == database.StateWaitingImage {
		b.sendMessage(chatID, b.Localizer.Get(lang, "upload_warn_wrong_mode"))
		return
	}

	if state.State == database.StateWaitingPrompt && state.SelectedModel != "" {
		b.processGeneration(chatID, msg.From.ID, text, state, lang)
	} else {
		b.sendMessage(chatID, b.Localizer.Get(lang, "start_hint"))
	}
}

func (b *Bot) handlePhotoUpload(msg *models.TelegramMessage) {
	ctx := context.Background()
	chatID := msg.Chat.ID
	userID := userKey(msg.From.ID)
	state := b.DB.GetUserState(ctx, userID)
	lang := b.language(ctx, msg.From)

	if state.State != database.StateWaitingImage {
		return
	}
	if b.Images == nil {
		zap.L().Warn("photo received but no image store is configured")
		b.sendMessage(chatID, b.Localizer.Get(lang, "upload_fail"))
		return
	}

	bestPhoto := msg.Photo[len(msg.Photo)-1]
	imageURL, err := b.storePhoto(ctx, userID, bestPhoto.FileID)
	if err != nil {
		zap.L().Error("storing photo failed", zap.String("user_id", userID), zap.Error(err))
		b.sendMessage(chatID, b.Localizer.Get(lang, "upload_fail"))
		return
	}

	b.DB.UpdateDraftOption(ctx, userID, generation.FieldImageURL, imageURL)
	b.DB.SetState(ctx, userID, database.StateWaitingPrompt)
	b.sendMessage(chatID, b.Localizer.Get(lang, "upload_received"))
}

// storePhoto copies a Telegram file into the image store. Telegram file
// links embed the bot token, so they are never handed to the provider.
func (b *Bot) storePhoto(ctx context.Context, userID, fileID string) (string, error) {
	var file models.FileResponse
	if err := b.getJSON(ctx, fmt.Sprintf("%s/getFile?file_id=%s", b.APIURL, fileID), &file); err != nil {
		return "", err
	}
	if !file.Ok || file.Result.FilePath == "" {
		return "", errors.New("telegram returned no file path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.FileURL+"/"+file.Result.FilePath, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("file download status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "image/jpeg"
	}
	return b.Images.PutImage(ctx, userID, file.Result.FilePath, resp.Body, resp.ContentLength, contentType)
}

func (b *Bot) handleCallback(cb *models.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		return
	}
	ctx := context.Background()
	parts := strings.SplitN(cb.Data, ":", 3)
	action := parts[0]
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID
	userID := userKey(cb.From.ID)
	lang := b.language(ctx, cb.From)

	b.sendJSON("answerCallbackQuery", models.AnswerCallbackRequest{CallbackQueryID: cb.ID})

	switch action {
	case "lang":
		if len(parts) > 1 && b.Localizer.Supports(parts[1]) {
			newLang := parts[1]
			b.DB.SetUserLanguage(ctx, userID, newLang)
			successMsg := b.Localizer.Get(newLang, "menu_lang_success")
			b.editMessageWithKeyboard(chatID, messageID, successMsg, models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{}})
		}

	case "mode":
		if len(parts) > 1 {
			b.showModels(chatID, messageID, true, lang, generation.Mode(parts[1]))
		}

	case "model":
		if len(parts) > 1 {
			model, ok := b.Registry.ModelByID(parts[1])
			if !ok {
				b.sendMessage(chatID, b.Localizer.Get(lang, "error_model_not_found"))
				return
			}
			b.DB.SetUserState(ctx, userID, database.StateWaitingPrompt, model.ID)
			b.applyModelDefaults(ctx, userID, model)
			b.showModelDashboard(chatID, messageID, userID, lang)
		}

	case "dash":
		b.DB.SetState(ctx, userID, database.StateWaitingPrompt)
		b.showModelDashboard(chatID, messageID, userID, lang)

	case "set":
		if len(parts) > 1 {
			settingType := parts[1]
			if settingType == generation.FieldImageURL {
				b.DB.SetState(ctx, userID, database.StateWaitingImage)
				kb := models.InlineKeyboardMarkup{
					InlineKeyboard: [][]models.InlineKeyboardButton{
						{{Text: b.Localizer.Get(lang, "btn_done"), CallbackData: "upload_done"}},
					},
				}
				b.editMessageWithKeyboard(chatID, messageID, b.Localizer.Get(lang, "upload_instruction"), kb)
			} else {
				b.showSettingOptions(chatID, messageID, userID, settingType, lang)
			}
		}

	case "upload_done":
		b.DB.SetState(ctx, userID, database.StateWaitingPrompt)
		b.showModelDashboard(chatID, messageID, userID, lang)

	case "opt":
		if len(parts) > 2 {
			settingType, value := parts[1], parts[2]
			if settingType == generation.FieldDuration {
				n, err := strconv.Atoi(value)
				if err != nil {
					return
				}
				b.DB.UpdateDraftOption(ctx, userID, settingType, n)
			} else {
				b.DB.UpdateDraftOption(ctx, userID, settingType, value)
			}
			b.showModelDashboard(chatID, messageID, userID, lang)
		}

	case "cats":
		b.showCategories(chatID, messageID, true, lang)

	case "cat":
		if len(parts) > 1 {
			b.showTemplates(chatID, messageID, catalog.Category(parts[1]), lang)
		}

	case "tpl":
		if len(parts) > 1 {
			b.useTemplate(ctx, chatID, messageID, userID, parts[1], lang)
		}

	case "gen":
		state := b.DB.GetUserState(ctx, userID)
		prompt, _ := state.DraftOptions[generation.FieldPrompt].(string)
		if state.SelectedModel == "" {
			b.sendMessage(chatID, b.Localizer.Get(lang, "start_hint"))
			return
		}
		b.processGeneration(chatID, cb.From.ID, prompt, state, lang)
	}
}

func (b *Bot) applyModelDefaults(ctx context.Context, userID string, model catalog.AIModel) {
	if len(model.Resolutions) > 0 {
		b.DB.UpdateDraftOption(ctx, userID, generation.FieldResolution, string(model.Resolutions[0]))
	}
	b.DB.UpdateDraftOption(ctx, userID, generation.FieldDuration, generation.DefaultDuration)
}

// useTemplate seeds the draft prompt. Without a text-to-video model
// selected it switches to the first one.
func (b *Bot) useTemplate(ctx context.Context, chatID, messageID int64, userID, templateID, lang string) {
	tpl, ok := b.Catalog.ByID(templateID)
	if !ok {
		return
	}
	state := b.DB.GetUserState(ctx, userID)
	current, ok := b.Registry.ModelByID(state.SelectedModel)
	if !ok || current.Mode != generation.ModeTextToVideo {
		t2v := b.Registry.ModelsForMode(generation.ModeTextToVideo)
		if len(t2v) == 0 {
			return
		}
		b.DB.SetUserState(ctx, userID, database.StateWaitingPrompt, t2v[0].ID)
		b.applyModelDefaults(ctx, userID, t2v[0])
	} else {
		b.DB.SetState(ctx, userID, database.StateWaitingPrompt)
	}
	for key, value := range tpl.Fields() {
		b.DB.UpdateDraftOption(ctx, userID, key, value)
	}
	b.sendMessage(chatID, b.Localizer.Format(lang, "template_selected", html.EscapeString(tpl.Title)))
	b.showModelDashboard(chatID, messageID, userID, lang)
}

func (b *Bot) handleCancel(chatID int64, userID int64, lang string) {
	b.DB.SetUserState(context.Background(), userKey(userID), database.StateIdle, "")

	b.mu.Lock()
	if task, exists := b.activeTasks[userID]; exists {
		task.cancel()
		delete(b.activeTasks, userID)
	}
	b.mu.Unlock()
	b.sendMessage(chatID, b.Localizer.Get(lang, "cancel_success"))
}

func (b *Bot) cancelAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, task := range b.activeTasks {
		task.cancel()
		delete(b.activeTasks, id)
	}
}

// draftFields turns the stored draft and the typed prompt into validator
// input. Only generation fields are forwarded.
func draftFields(state database.UserState, prompt string) generation.RawFields {
	raw := generation.RawFields{}
	for _, key := range []string{
		generation.FieldNegativePrompt,
		generation.FieldResolution,
		generation.FieldDuration,
		generation.FieldSeed,
		generation.FieldImageURL,
	} {
		if v, ok := state.DraftOptions[key]; ok {
			raw[key] = v
		}
	}
	raw[generation.FieldModel] = state.SelectedModel
	raw[generation.FieldPrompt] = prompt
	return raw
}

func (b *Bot) processGeneration(chatID int64, telegramID int64, prompt string, state database.UserState, lang string) {
	ctx := context.Background()
	userID := userKey(telegramID)
	model, ok := b.Registry.ModelByID(state.SelectedModel)
	if !ok {
		b.sendMessage(chatID, b.Localizer.Get(lang, "error_model_not_found"))
		return
	}
	raw := draftFields(state, prompt)

	if _, _, err := b.Service.Quote(model.Mode, raw); err != nil {
		b.replyError(chatID, lang, err, raw, nil)
		return
	}
	tracker := credits.NewTracker(b.Service, userID)
	balance := tracker.Refresh(ctx)
	cost := service.EstimateCost(raw)
	if balance.State == credits.Failed {
		b.sendMessage(chatID, b.Localizer.Get(lang, "credits_unavailable"))
		return
	}
	if !tracker.CanAfford(cost) {
		b.sendMessage(chatID, b.Localizer.Format(lang, "insufficient_credits", cost, balance.Credits))
		return
	}

	gen, err := b.Service.Submit(ctx, userID, model.Mode, raw)
	if err != nil {
		b.replyError(chatID, lang, err, raw, tracker)
		return
	}
	after := tracker.OptimisticDeduct(gen.CreditsUsed)

	startMsg := b.Localizer.Format(lang, "gen_start", html.EscapeString(model.Name), gen.CreditsUsed, after.Credits)
	statusMsgID, err := b.sendMessageReturnID(chatID, startMsg)
	if err != nil {
		zap.L().Warn("status message failed", zap.Error(err))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	task := &pollTask{cancel: cancel}
	b.mu.Lock()
	if previous, exists := b.activeTasks[telegramID]; exists {
		previous.cancel()
	}
	b.activeTasks[telegramID] = task
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			if b.activeTasks[telegramID] == task {
				delete(b.activeTasks, telegramID)
			}
			b.mu.Unlock()
			cancel()
		}()
		b.pollGeneration(pollCtx, chatID, userID, gen.ID, model.Name, statusMsgID, lang)
	}()
}

func (b *Bot) replyError(chatID int64, lang string, err error, raw generation.RawFields, tracker *credits.Tracker) {
	var fieldErrs generation.FieldErrors
	switch {
	case errors.As(err, &fieldErrs):
		b.sendMessage(chatID, html.EscapeString(b.Localizer.FieldErrors(lang, fieldErrs)))
	case errors.Is(err, database.ErrInsufficientCredits):
		have := 0
		if tracker != nil {
			have = tracker.Refresh(context.Background()).Credits
		}
		b.sendMessage(chatID, b.Localizer.Format(lang, "insufficient_credits", service.EstimateCost(raw), have))
	case errors.Is(err, service.ErrSubmitFailed):
		b.sendMessage(chatID, b.Localizer.Get(lang, "gen_fail_start"))
	default:
		zap.L().Error("generation request failed", zap.Error(err))
		b.sendMessage(chatID, b.Localizer.Get(lang, "err_generic"))
	}
}

func (b *Bot) pollGeneration(ctx context.Context, chatID int64, userID, genID, modelName string, statusMsgID int64, lang string) {
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	timeout := time.After(b.PollTimeout)

	clearStatus := func() {
		if statusMsgID != 0 {
			b.deleteMessage(chatID, statusMsgID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			clearStatus()
			return

		case <-timeout:
			clearStatus()
			b.sendMessage(chatID, b.Localizer.Get(lang, "gen_timeout"))
			return

		case <-ticker.C:
			b.sendChatAction(chatID, "upload_video")

			gen, err := b.Service.Status(ctx, userID, genID)
			if err != nil {
				zap.L().Warn("status poll failed", zap.String("generation_id", genID), zap.Error(err))
				continue
			}

			switch gen.Status {
			case models.StatusCompleted:
				clearStatus()
				if gen.VideoURL == nil || *gen.VideoURL == "" {
					b.sendMessage(chatID, b.Localizer.Get(lang, "gen_result_empty"))
					return
				}
				caption := b.Localizer.Format(lang, "gen_caption",
					html.EscapeString(modelName), gen.Resolution, gen.Duration, html.EscapeString(truncate(gen.Prompt, 300)))
				b.sendVideo(chatID, *gen.VideoURL, caption, lang)
				return

			case models.StatusFailed:
				clearStatus()
				reason := "unknown error"
				if gen.ErrorMessage != nil {
					reason = *gen.ErrorMessage
				}
				b.sendMessage(chatID, b.Localizer.Format(lang, "gen_fail", html.EscapeString(reason)))
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
