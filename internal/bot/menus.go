package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"wanVideoBot/internal/catalog"
	"wanVideoBot/internal/generation"
	"wanVideoBot/internal/models"
)

var languageLabels = map[string]string{
	"en": "🇺🇸 English",
	"id": "🇮🇩 Indonesia",
}

func (b *Bot) show(chatID, messageID int64, isEdit bool, text string, kb models.InlineKeyboardMarkup) {
	if isEdit {
		b.editMessageWithKeyboard(chatID, messageID, text, kb)
	} else {
		b.sendMessageWithKeyboard(chatID, text, kb)
	}
}

// chunk lays buttons out in rows of size n.
func chunk(buttons []models.InlineKeyboardButton, n int) [][]models.InlineKeyboardButton {
	var rows [][]models.InlineKeyboardButton
	for len(buttons) > n {
		rows = append(rows, buttons[:n])
		buttons = buttons[n:]
	}
	if len(buttons) > 0 {
		rows = append(rows, buttons)
	}
	return rows
}

func (b *Bot) showLanguageMenu(chatID int64, messageID int64, isEdit bool, lang string) {
	var row []models.InlineKeyboardButton
	for _, code := range b.Localizer.Languages() {
		label, ok := languageLabels[code]
		if !ok {
			label = strings.ToUpper(code)
		}
		row = append(row, models.InlineKeyboardButton{Text: label, CallbackData: "lang:" + code})
	}
	kb := models.InlineKeyboardMarkup{InlineKeyboard: chunk(row, 2)}
	b.show(chatID, messageID, isEdit, b.Localizer.Get(lang, "menu_lang_title"), kb)
}

func (b *Bot) showModels(chatID int64, messageID int64, isEdit bool, lang string, mode generation.Mode) {
	key := "select_model_t2v"
	if mode == generation.ModeImageToVideo {
		key = "select_model_i2v"
	}

	var rows [][]models.InlineKeyboardButton
	for _, m := range b.Registry.ModelsForMode(mode) {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: m.Name, CallbackData: "model:" + m.ID},
		})
	}
	if len(rows) == 0 {
		b.sendMessage(chatID, b.Localizer.Get(lang, "error_model_not_found"))
		return
	}
	b.show(chatID, messageID, isEdit, b.Localizer.Get(lang, key), models.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func draftString(opts map[string]any, key string) string {
	switch v := opts[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// showModelDashboard edits messageID in place, or sends a new dashboard
// when there is nothing to edit.
func (b *Bot) showModelDashboard(chatID int64, messageID int64, userID string, lang string) {
	state := b.DB.GetUserState(context.Background(), userID)
	model, ok := b.Registry.ModelByID(state.SelectedModel)
	if !ok {
		b.sendMessage(chatID, b.Localizer.Get(lang, "error_model_not_found"))
		return
	}
	opts := state.DraftOptions
	resolution := draftString(opts, generation.FieldResolution)

	text := b.Localizer.Format(lang, "dash_model", html.EscapeString(model.Name), html.EscapeString(model.Description))
	text += b.Localizer.Get(lang, "dash_settings")
	text += "<pre>"
	text += fmt.Sprintf("• %-10s : %s\n", b.Localizer.Get(lang, "field_resolution"), orDash(resolution))
	text += fmt.Sprintf("• %-10s : %s\n", b.Localizer.Get(lang, "field_duration"), orDash(draftString(opts, generation.FieldDuration)))
	if model.Mode == generation.ModeImageToVideo {
		image := b.Localizer.Get(lang, "dash_image_missing")
		if draftString(opts, generation.FieldImageURL) != "" {
			image = b.Localizer.Get(lang, "dash_image_set")
		}
		text += fmt.Sprintf("• %-10s : %s\n", b.Localizer.Get(lang, "field_image_url"), image)
	}
	text += "</pre>"

	prompt := draftString(opts, generation.FieldPrompt)
	if prompt != "" {
		text += b.Localizer.Format(lang, "dash_prompt", html.EscapeString(truncate(prompt, 200)))
	}
	text += b.Localizer.Format(lang, "dash_cost", generation.Cost(model.ID, resolution))
	text += b.Localizer.Get(lang, "dash_footer")

	buttons := []models.InlineKeyboardButton{
		{Text: b.Localizer.Format(lang, "btn_set", b.Localizer.Get(lang, "field_resolution")), CallbackData: "set:" + generation.FieldResolution},
		{Text: b.Localizer.Format(lang, "btn_set", b.Localizer.Get(lang, "field_duration")), CallbackData: "set:" + generation.FieldDuration},
	}
	if model.Mode == generation.ModeImageToVideo {
		buttons = append(buttons, models.InlineKeyboardButton{Text: b.Localizer.Get(lang, "btn_upload_img"), CallbackData: "set:" + generation.FieldImageURL})
	}
	rows := chunk(buttons, 2)
	if prompt != "" {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: b.Localizer.Get(lang, "btn_generate"), CallbackData: "gen"},
		})
	}
	rows = append(rows, []models.InlineKeyboardButton{
		{Text: b.Localizer.Get(lang, "btn_back_models"), CallbackData: "mode:" + string(model.Mode)},
	})

	b.show(chatID, messageID, messageID != 0, text, models.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (b *Bot) showSettingOptions(chatID int64, messageID int64, userID string, settingType string, lang string) {
	state := b.DB.GetUserState(context.Background(), userID)
	model, ok := b.Registry.ModelByID(state.SelectedModel)
	if !ok {
		b.sendMessage(chatID, b.Localizer.Get(lang, "error_model_not_found"))
		return
	}

	var options []string
	switch settingType {
	case generation.FieldResolution:
		for _, r := range model.Resolutions {
			options = append(options, string(r))
		}
	case generation.FieldDuration:
		for d := generation.DurationMin; d <= generation.DurationMax; d++ {
			options = append(options, strconv.Itoa(d))
		}
	default:
		zap.L().Debug("unknown setting", zap.String("setting", settingType))
		return
	}

	var buttons []models.InlineKeyboardButton
	for _, opt := range options {
		buttons = append(buttons, models.InlineKeyboardButton{
			Text:         opt,
			CallbackData: fmt.Sprintf("opt:%s:%s", settingType, opt),
		})
	}
	rows := chunk(buttons, 5)
	rows = append(rows, []models.InlineKeyboardButton{
		{Text: b.Localizer.Get(lang, "btn_back"), CallbackData: "dash"},
	})

	text := b.Localizer.Format(lang, "select_option", b.Localizer.Get(lang, "field_"+settingType))
	b.editMessageWithKeyboard(chatID, messageID, text, models.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bot) showCategories(chatID int64, messageID int64, isEdit bool, lang string) {
	var buttons []models.InlineKeyboardButton
	for _, c := range catalog.Categories() {
		buttons = append(buttons, models.InlineKeyboardButton{
			Text:         b.Localizer.Get(lang, "category_"+string(c)),
			CallbackData: "cat:" + string(c),
		})
	}
	kb := models.InlineKeyboardMarkup{InlineKeyboard: chunk(buttons, 2)}
	b.show(chatID, messageID, isEdit, b.Localizer.Get(lang, "templates_title"), kb)
}

func (b *Bot) showTemplates(chatID int64, messageID int64, category catalog.Category, lang string) {
	if !category.Valid() {
		return
	}
	var rows [][]models.InlineKeyboardButton
	for _, tpl := range b.Catalog.ByCategory(category) {
		title := tpl.Title
		if tpl.Featured {
			title = "⭐ " + title
		}
		rows = append(rows, []models.InlineKeyboardButton{{Text: title, CallbackData: "tpl:" + tpl.ID}})
	}
	rows = append(rows, []models.InlineKeyboardButton{
		{Text: b.Localizer.Get(lang, "btn_back"), CallbackData: "cats"},
	})
	text := b.Localizer.Format(lang, "templates_category", b.Localizer.Get(lang, "category_"+string(category)))
	b.editMessageWithKeyboard(chatID, messageID, text, models.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bot) showCredits(chatID int64, userID string, lang string) {
	balance, err := b.Service.Credits(context.Background(), userID)
	if err != nil {
		zap.L().Error("load credits failed", zap.String("user_id", userID), zap.Error(err))
		b.sendMessage(chatID, b.Localizer.Get(lang, "credits_unavailable"))
		return
	}

	text := b.Localizer.Format(lang, "credits_balance", balance)
	text += b.Localizer.Get(lang, "credits_prices_title")
	text += "<pre>"
	for _, p := range generation.PriceList() {
		name := p.Model
		if m, ok := b.Registry.ModelByID(p.Model); ok {
			name = m.Name
		}
		text += fmt.Sprintf("%-18s %-5s %3d\n", html.EscapeString(name), p.Resolution, p.Credits)
	}
	text += "</pre>"
	b.sendMessage(chatID, text)
}
