package kafka

import (
	"encoding/json"
	"fmt"
)

// ReplyError — структурированная ошибка в ответе.
type ReplyError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// ReplyEnvelope — тело ответа: либо data, либо error.
type ReplyEnvelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ReplyError     `json:"error,omitempty"`
}

// EncodeData упаковывает успешный результат в envelope.
func EncodeData(result any) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal reply data: %w", err)
	}
	return json.Marshal(ReplyEnvelope{Data: data})
}

// EncodeError упаковывает ошибку в envelope.
func EncodeError(status int, message string) []byte {
	// Маршалинг структуры из int и string не может завершиться ошибкой.
	body, _ := json.Marshal(ReplyEnvelope{Error: &ReplyError{Status: status, Message: message}})
	return body
}

// DecodeReply разбирает envelope. Ответ с ошибкой возвращается как *ReplyError.
func DecodeReply(body []byte) (json.RawMessage, error) {
	var envelope ReplyEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode reply envelope: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Data, nil
}

func encodeJSON(value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}
