package workflow

import (
	"errors"
	"strings"

	"sdr-agent/internal/domain"
)

const (
	statusSuccess = "sucesso"
	statusFailure = "erro"
)

// failureMessages are the sentences the model relays to the lead, per kind.
var failureMessages = map[domain.ErrorKind]string{
	domain.KindDateParse:        "Não consegui entender a data ou o horário informado. Peça um horário mais específico, por exemplo 'amanhã às 15h'.",
	domain.KindInvalidNeed:      "A necessidade informada não é válida. As opções são " + domain.DescribeNeedChoices() + ".",
	domain.KindSchemaResolution: "Não foi possível ler a configuração do pipe de pré-vendas.",
	domain.KindConnectivity:     "Não foi possível conectar ao sistema de pré-vendas. Tente novamente em instantes.",
	domain.KindRemoteOperation:  "O sistema de pré-vendas recusou a operação.",
	domain.KindUnknownRecord:    "O card informado não foi registrado por este atendimento. Registre o lead antes de agendar.",
	domain.KindInvalidArguments: "Argumentos inválidos para a operação.",
	domain.KindInternal:         "Ocorreu um erro interno ao processar a operação.",
}

// Result is the outcome of one orchestrator operation: either a success
// payload or a classified failure. It never carries a Go error across the
// tool boundary; Payload renders both cases.
type Result struct {
	Tool    string
	Kind    domain.ErrorKind
	Message string
	Data    map[string]any
	Err     error
}

func success(tool, message string, data map[string]any) Result {
	return Result{Tool: tool, Message: message, Data: data}
}

func failure(tool string, err error) Result {
	kind := domain.KindOf(err)
	msg := failureMessages[kind]

	var de *domain.Error
	if errors.As(err, &de) && de.Detail != "" {
		msg = strings.TrimSpace(msg + " Detalhe: " + de.Detail)
	}
	return Result{Tool: tool, Kind: kind, Message: msg, Err: err}
}

func (r Result) OK() bool {
	return r.Kind == ""
}

// Payload converts the result to the tool-response object sent to the model.
func (r Result) Payload() map[string]any {
	if !r.OK() {
		return map[string]any{
			"status":   statusFailure,
			"tipo":     string(r.Kind),
			"mensagem": r.Message,
		}
	}
	out := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	out["status"] = statusSuccess
	if r.Message != "" {
		out["mensagem"] = r.Message
	}
	return out
}
