package session

import (
	"fmt"
	"strings"

	"github.com/rbmarquez/DoctorQ-sub006/pkg/escalation"
	"github.com/rbmarquez/DoctorQ-sub006/pkg/operator"
)

// Messages are the user-visible texts the session writes into the timeline.
type Messages struct {
	Welcome          string `yaml:"welcome"`
	HandoffAck       string `yaml:"handoffAck"`
	HandoffQueued    string `yaml:"handoffQueued"`
	QueuePosition    string `yaml:"queuePosition"`
	ETA              string `yaml:"eta"`
	HandoffFailed    string `yaml:"handoffFailed"`
	AssistantOffline string `yaml:"assistantOffline"`
	OperatorLost     string `yaml:"operatorLost"`
	OperatorJoined   string `yaml:"operatorJoined"`
	OperatorNoName   string `yaml:"operatorJoinedNoName"`
	SessionEnded     string `yaml:"sessionEnded"`
}

func DefaultMessages() Messages {
	op := operator.DefaultTexts()
	return Messages{
		Welcome:          "Olá! Sou a assistente virtual. Como posso ajudar?",
		HandoffAck:       "Entendi! Vou transferir você para um dos nossos atendentes.",
		HandoffQueued:    "Você entrou na fila de atendimento humano.",
		QueuePosition:    "Sua posição na fila: %d.",
		ETA:              "Tempo estimado de espera: %d min.",
		HandoffFailed:    "Desculpe, não consegui transferir você para um atendente agora. Tente novamente em instantes.",
		AssistantOffline: "Nosso assistente está indisponível no momento. Digite \"falar com atendente\" para ser atendido por uma pessoa.",
		OperatorLost:     "Perdemos a conexão com o atendimento. Inicie uma nova conversa para continuar.",
		OperatorJoined:   op.OperatorJoined,
		OperatorNoName:   op.OperatorJoinedNoName,
		SessionEnded:     op.SessionEnded,
	}
}

// withDefaults fills empty texts. Welcome may be left empty on purpose, so it
// is only defaulted when every field is empty.
func (m Messages) withDefaults() Messages {
	def := DefaultMessages()
	if m == (Messages{}) {
		return def
	}
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&m.HandoffAck, def.HandoffAck)
	fill(&m.HandoffQueued, def.HandoffQueued)
	fill(&m.QueuePosition, def.QueuePosition)
	fill(&m.ETA, def.ETA)
	fill(&m.HandoffFailed, def.HandoffFailed)
	fill(&m.AssistantOffline, def.AssistantOffline)
	fill(&m.OperatorLost, def.OperatorLost)
	fill(&m.OperatorJoined, def.OperatorJoined)
	fill(&m.OperatorNoName, def.OperatorNoName)
	fill(&m.SessionEnded, def.SessionEnded)
	return m
}

func (m Messages) operatorTexts() operator.Texts {
	return operator.Texts{
		OperatorJoined:       m.OperatorJoined,
		OperatorJoinedNoName: m.OperatorNoName,
		SessionEnded:         m.SessionEnded,
	}
}

// handoffNotice summarizes the queue placement of an accepted handoff.
func (m Messages) handoffNotice(res *escalation.Result) string {
	parts := []string{m.HandoffQueued}
	if msg := strings.TrimSpace(res.Message); msg != "" {
		parts[0] = msg
	}
	if res.QueuePosition != nil {
		parts = append(parts, fmt.Sprintf(m.QueuePosition, *res.QueuePosition))
	}
	if res.ETAMinutes != nil {
		parts = append(parts, fmt.Sprintf(m.ETA, *res.ETAMinutes))
	}
	return strings.Join(parts, " ")
}
