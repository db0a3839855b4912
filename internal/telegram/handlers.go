package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"visa-chatter/internal/auth"
)

const (
	operatorHelp = "Comandos de asesor:\n" +
		"/pending: conversaciones esperando respuesta\n" +
		"/reply <cliente> <texto>: responder a un cliente\n" +
		"/operators, /addop <id>, /rmop <id>: administrar asesores"
	operatorsOnly = "Este comando es solo para asesores."
)

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Command() == "start" && !b.operators.IsOperator(msg.From.ID) {
		b.dispatch(ctx, msg, "hola")
		return
	}
	if !b.operators.IsOperator(msg.From.ID) {
		log.Warn().Int64("user_id", msg.From.ID).Str("username", msg.From.UserName).Str("command", msg.Command()).Msg("operator command from non-operator")
		b.sendMessage(msg.Chat.ID, operatorsOnly)
		return
	}

	switch msg.Command() {
	case "pending":
		b.sendMessage(msg.Chat.ID, formatPending(b.desk.ListPending()))
	case "reply":
		b.handleReply(msg)
	case "operators":
		var bld strings.Builder
		bld.WriteString("Asesores:\n")
		for _, op := range b.operators.List() {
			bld.WriteString(fmt.Sprintf("- id=%d @%s %s\n", op.ID, op.Username, op.FirstName))
		}
		b.sendMessage(msg.Chat.ID, bld.String())
	case "addop", "rmop":
		b.handleOperatorChange(msg)
	default:
		b.sendMessage(msg.Chat.ID, operatorHelp)
	}
}

func (b *Bot) handleReply(msg *tgbotapi.Message) {
	key, text, ok := strings.Cut(strings.TrimSpace(msg.CommandArguments()), " ")
	text = strings.TrimSpace(text)
	if !ok || key == "" || text == "" {
		b.sendMessage(msg.Chat.ID, "Uso: /reply <cliente> <texto>")
		return
	}
	if !b.desk.SubmitHumanReply(key, text) {
		b.sendMessage(msg.Chat.ID, "No hay handoff pendiente para "+key+" (o ya expiró).")
		return
	}
	log.Info().Str("sender", key).Int64("operator", msg.From.ID).Msg("operator reply submitted")
	b.sendMessage(msg.Chat.ID, "Enviado ✅")
}

func (b *Bot) handleOperatorChange(msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 1 {
		b.sendMessage(msg.Chat.ID, "Uso: /"+msg.Command()+" <user_id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.sendMessage(msg.Chat.ID, "user_id inválido")
		return
	}
	if msg.Command() == "rmop" {
		if id == msg.From.ID {
			b.sendMessage(msg.Chat.ID, "No puedes quitarte a ti mismo.")
			return
		}
		err = b.operators.Remove(id)
	} else {
		err = b.operators.Upsert(auth.Operator{ID: id})
	}
	if err != nil {
		log.Error().Err(err).Int64("operator", id).Msg("update operators")
		b.sendMessage(msg.Chat.ID, "Error: "+err.Error())
		return
	}
	b.sendMessage(msg.Chat.ID, fmt.Sprintf("Listo, asesores: %d", len(b.operators.List())))
}

// NotifyHandoff pings every operator about a sender waiting for a human.
func (b *Bot) NotifyHandoff(_ context.Context, key, lastMessage string) {
	text := fmt.Sprintf("🙋 %s pide hablar con un asesor.\nÚltimo mensaje: %s\nResponde con /reply %s <texto>", key, lastMessage, key)
	for _, id := range b.operators.IDs() {
		b.sendMessage(id, text)
	}
}

func formatPending(pending map[string]int) string {
	if len(pending) == 0 {
		return "Sin conversaciones pendientes."
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var bld strings.Builder
	bld.WriteString("Pendientes:\n")
	for _, k := range keys {
		bld.WriteString(fmt.Sprintf("- %s (%ds restantes)\n", k, pending[k]))
	}
	return bld.String()
}
