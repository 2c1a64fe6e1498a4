package chat

import (
	"context"
	"fmt"

	"gorm.io/datatypes"

	"github.com/noah-isme/roomlive/internal/apperr"
	"github.com/noah-isme/roomlive/internal/feed"
	"github.com/noah-isme/roomlive/internal/models"
)

// Poll metadata keys within Message.Metadata.
const (
	pollKeyQuestion = "question"
	pollKeyOptions  = "options"
	pollKeyMulti    = "multiple_choice"
	pollKeyVotes    = "votes"
)

// PollTally is the derived aggregation over a poll message's vote map.
type PollTally struct {
	Question   string
	Options    []string
	Counts     []int
	TotalVotes int
	OwnVotes   []int
}

// SendPoll appends a poll message carrying its options and an empty vote map.
func (s *Synchronizer) SendPoll(ctx context.Context, roomID, question string, options []string, multipleChoice bool) (models.Message, error) {
	if len(options) < 2 {
		return models.Message{}, fmt.Errorf("poll needs at least two options")
	}

	optionValues := make([]interface{}, 0, len(options))
	for _, opt := range options {
		optionValues = append(optionValues, opt)
	}

	return s.Send(ctx, SendRequest{
		RoomID:  roomID,
		Content: question,
		Type:    models.MessageTypePoll,
		Metadata: datatypes.JSONMap{
			pollKeyQuestion: question,
			pollKeyOptions:  optionValues,
			pollKeyMulti:    multipleChoice,
			pollKeyVotes:    map[string]interface{}{},
		},
	})
}

// Vote records the local user's choice on a poll. A single-choice poll keeps
// at most one vote per user, so re-voting replaces the earlier choice; a
// multiple-choice poll accumulates distinct options. Convergence across
// clients rides on the message row's last-write-wins reconciliation.
func (s *Synchronizer) Vote(ctx context.Context, roomID, messageID string, optionIdx int) (models.Message, error) {
	current, err := s.resolveMessage(ctx, roomID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if current.Type != models.MessageTypePoll {
		return models.Message{}, apperr.Conflict("vote on message %q: not a poll", messageID)
	}
	if current.Deleted {
		return models.Message{}, apperr.Conflict("vote on message %q: poll is deleted", messageID)
	}

	options := pollOptions(current.Metadata)
	if optionIdx < 0 || optionIdx >= len(options) {
		return models.Message{}, fmt.Errorf("option index %d out of range", optionIdx)
	}

	metadata := datatypes.JSONMap{}
	for k, v := range current.Metadata {
		metadata[k] = v
	}

	votes := pollVotes(metadata)
	own := votes[s.local.UserID]
	if pollIsMultipleChoice(metadata) {
		if !containsInt(own, optionIdx) {
			own = append(own, optionIdx)
		}
	} else {
		own = []int{optionIdx}
	}

	encoded := make([]interface{}, 0, len(own))
	for _, idx := range own {
		encoded = append(encoded, idx)
	}
	rawVotes, _ := metadata[pollKeyVotes].(map[string]interface{})
	if rawVotes == nil {
		rawVotes = map[string]interface{}{}
	} else {
		copied := make(map[string]interface{}, len(rawVotes))
		for k, v := range rawVotes {
			copied[k] = v
		}
		rawVotes = copied
	}
	rawVotes[s.local.UserID] = encoded
	metadata[pollKeyVotes] = rawVotes

	updated, err := s.messages.UpdateMetadata(ctx, current.ID, metadata)
	if err != nil {
		return models.Message{}, err
	}

	s.store.ApplyMessage(updated)
	s.publishEvent(ctx, roomID, feed.EventUpdate, updated)
	return updated, nil
}

// Tally derives the vote counts for a poll message.
func (s *Synchronizer) Tally(msg models.Message) (PollTally, error) {
	if msg.Type != models.MessageTypePoll {
		return PollTally{}, fmt.Errorf("message %q is not a poll", msg.ID)
	}

	options := pollOptions(msg.Metadata)
	tally := PollTally{
		Question: msg.Content,
		Options:  options,
		Counts:   make([]int, len(options)),
	}
	if q, ok := msg.Metadata[pollKeyQuestion].(string); ok && q != "" {
		tally.Question = q
	}

	for userID, choices := range pollVotes(msg.Metadata) {
		for _, idx := range choices {
			if idx < 0 || idx >= len(options) {
				continue
			}
			tally.Counts[idx]++
			tally.TotalVotes++
			if userID == s.local.UserID {
				tally.OwnVotes = append(tally.OwnVotes, idx)
			}
		}
	}

	return tally, nil
}

func pollOptions(metadata datatypes.JSONMap) []string {
	raw, ok := metadata[pollKeyOptions].([]interface{})
	if !ok {
		return nil
	}
	options := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			options = append(options, s)
		}
	}
	return options
}

func pollIsMultipleChoice(metadata datatypes.JSONMap) bool {
	multi, ok := metadata[pollKeyMulti].(bool)
	return ok && multi
}

// pollVotes decodes the vote map, tolerating the float64 indices JSON
// round-trips produce.
func pollVotes(metadata datatypes.JSONMap) map[string][]int {
	raw, ok := metadata[pollKeyVotes].(map[string]interface{})
	if !ok {
		return map[string][]int{}
	}

	votes := make(map[string][]int, len(raw))
	for userID, value := range raw {
		choices, ok := value.([]interface{})
		if !ok {
			continue
		}
		decoded := make([]int, 0, len(choices))
		for _, c := range choices {
			switch n := c.(type) {
			case float64:
				decoded = append(decoded, int(n))
			case int:
				decoded = append(decoded, n)
			}
		}
		votes[userID] = decoded
	}
	return votes
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
