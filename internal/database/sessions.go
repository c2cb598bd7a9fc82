package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	StateIdle          = "IDLE"
	StateWaitingPrompt = "WAITING_PROMPT"
	StateWaitingImage  = "WAITING_IMAGE_UPLOAD"
)

// UserState is the bot conversation state for one user. DraftOptions holds
// the form fields collected so far.
type UserState struct {
	State         string
	SelectedModel string
	DraftOptions  map[string]any
}

func (s *Store) SetUserLanguage(ctx context.Context, userID, langCode string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET language_code = ?, updated_at = ? WHERE id = ?`),
		langCode, s.now(), userID)
	return s.expectRow(res, err, "set user language")
}

// GetUserLanguage returns "" when the user has not picked a language.
func (s *Store) GetUserLanguage(ctx context.Context, userID string) string {
	var langCode string
	if err := s.db.GetContext(ctx, &langCode, s.q(`SELECT language_code FROM users WHERE id = ?`), userID); err != nil {
		return ""
	}
	return langCode
}

// SetUserState switches the conversation state and clears the draft.
func (s *Store) SetUserState(ctx context.Context, userID, state, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO user_states (user_id, state, selected_model, draft_options)
		VALUES (?, ?, ?, '{}')
		ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, selected_model = excluded.selected_model,
			draft_options = excluded.draft_options`), userID, state, modelID)
	return errors.Wrap(err, "set user state")
}

// SetState changes the state but keeps the selected model and draft.
func (s *Store) SetState(ctx context.Context, userID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO user_states (user_id, state) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET state = excluded.state`), userID, state)
	return errors.Wrap(err, "set state")
}

func (s *Store) UpdateDraftOption(ctx context.Context, userID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.getUserState(ctx, userID)
	if err != nil {
		return err
	}
	current.DraftOptions[key] = value

	raw, err := json.Marshal(current.DraftOptions)
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO user_states (user_id, draft_options) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET draft_options = excluded.draft_options`), userID, string(raw))
	return errors.Wrap(err, "update draft option")
}

// GetUserState falls back to an idle state when nothing is stored or the
// row cannot be read.
func (s *Store) GetUserState(ctx context.Context, userID string) UserState {
	state, err := s.getUserState(ctx, userID)
	if err != nil {
		return UserState{State: StateIdle, DraftOptions: map[string]any{}}
	}
	return state
}

func (s *Store) getUserState(ctx context.Context, userID string) (UserState, error) {
	var row struct {
		State         string `db:"state"`
		SelectedModel string `db:"selected_model"`
		DraftOptions  string `db:"draft_options"`
	}
	err := s.db.GetContext(ctx, &row, s.q(`SELECT state, selected_model, draft_options FROM user_states WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserState{State: StateIdle, DraftOptions: map[string]any{}}, nil
	}
	if err != nil {
		return UserState{}, errors.Wrap(err, "get user state")
	}

	options := map[string]any{}
	if err := json.Unmarshal([]byte(row.DraftOptions), &options); err != nil || options == nil {
		options = map[string]any{}
	}
	return UserState{State: row.State, SelectedModel: row.SelectedModel, DraftOptions: options}, nil
}
