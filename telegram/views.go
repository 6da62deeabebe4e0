package telegram

import (
	"fmt"
	"strings"

	"masterclassdev/academy"
	"masterclassdev/catalog"
	"masterclassdev/coach"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback data is "<action>:<series id>".
const (
	actionSeries = "series"
	actionPlay   = "play"
	actionChat   = "chat"
)

const (
	helpText          = "Send /start to pick a masterclass, /progress to see where you are, /skip to leave the current chat."
	noSessionText     = "No chat open. Send /start and pick a chapter first."
	inFlightText      = "Still thinking about your last message..."
	lockingText       = "Locking it in. Hang tight."
	voiceFailedText   = "Couldn't catch that voice note. Mind typing it?"
	storeFailedText   = "Couldn't load your progress right now. Try again in a bit."
	unknownSeriesText = "That masterclass isn't available anymore. Send /start to see what's on."
)

func callbackData(action, seriesID string) string {
	return action + ":" + seriesID
}

func seriesListMessage(chatID int64, series []catalog.Series) tgbotapi.MessageConfig {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(series))
	for _, s := range series {
		label := fmt.Sprintf("%s · %s", s.Title, s.Influencer)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callbackData(actionSeries, s.ID)),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "Pick a masterclass:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return msg
}

func syllabus(p academy.SeriesProgress) string {
	var b strings.Builder
	for _, ep := range p.Series.Episodes {
		mark := "🔒"
		switch {
		case ep.ID < p.Current.ID:
			mark = "✅"
		case ep.ID == p.Current.ID:
			mark = "▶️"
		}
		fmt.Fprintf(&b, "%s %d. %s\n", mark, ep.ID, ep.Title)
	}
	return b.String()
}

func profileMessage(chatID int64, p academy.SeriesProgress) tgbotapi.MessageConfig {
	text := fmt.Sprintf("%s\n%s\n\nChapter %d/%d · %d%%\n\nSyllabus\n%s",
		p.Series.Title, p.Series.Tagline,
		p.Current.ID, len(p.Series.Episodes), p.Percent,
		syllabus(p))
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Play Chapter %d", p.Current.ID), callbackData(actionPlay, p.Series.ID)),
	))
	return msg
}

func playMessage(chatID int64, p academy.SeriesProgress) tgbotapi.MessageConfig {
	ep := p.Current
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Chapter %d: %s\n%s", ep.ID, ep.Title, ep.Subtitle))
	rows := [][]tgbotapi.InlineKeyboardButton{}
	if ep.URL != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Watch", ep.URL)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Continue to: "+ep.ChatGoal, callbackData(actionChat, p.Series.ID)),
	))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	return msg
}

func progressMessage(chatID int64, list []academy.SeriesProgress) tgbotapi.MessageConfig {
	var b strings.Builder
	for _, p := range list {
		fmt.Fprintf(&b, "%s: chapter %d/%d · %d%%", p.Series.Title, p.Current.ID, len(p.Series.Episodes), p.Percent)
		if p.Record.XP > 0 {
			fmt.Fprintf(&b, " · %d XP", p.Record.XP)
		}
		if p.Record.Streak > 0 {
			fmt.Fprintf(&b, " · %d day streak", p.Record.Streak)
		}
		b.WriteString("\n")
		if g := p.Record.Goal; g != nil {
			fmt.Fprintf(&b, "  Goal: %s (%d%%)\n", g.Title, g.OverallProgressPercent)
		}
	}
	if b.Len() == 0 {
		b.WriteString("Nothing on offer yet.")
	}
	return tgbotapi.NewMessage(chatID, strings.TrimRight(b.String(), "\n"))
}

func finishedMessage(chatID int64, f academy.Finished) tgbotapi.MessageConfig {
	var text string
	switch {
	case f.Err != nil:
		text = "Couldn't save this one. Your chat is closed, try the chapter again later."
	case !coach.IsCommitment(f.Outcome):
		text = "Chat closed. Progress unchanged."
	case f.Unlocked():
		next, err := f.Series.Episode(f.Record.Episode)
		text = "Mastery Synced ✅\nNext Episode Unlocked"
		if err == nil {
			text += ": " + next.Title
		}
	default:
		text = "Mastery Synced ✅"
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if f.Err == nil {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Back to "+f.Series.Title, callbackData(actionSeries, f.Series.ID)),
		))
	}
	return msg
}
