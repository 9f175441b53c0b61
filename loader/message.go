package loader

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rushteam/streamrank/core"
)

// MessageType 是请求类型
type MessageType string

const (
	// TypeExec 调用 Host 上模型的某个成员
	TypeExec MessageType = "EXEC"
	// TypePing 探测是否有已加载模型的 Host
	TypePing MessageType = "PING"
)

// Pong 是 PING 的应答内容
const Pong = "pong"

// Message 是 Proxy 发往 Host 的请求
type Message struct {
	Type      MessageType       `json:"type"`
	ID        string            `json:"id"`
	ModelName string            `json:"modelName,omitempty"`
	Key       string            `json:"key,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
}

// Reply 是 Host 的应答。Error 非空时 Result 无意义，Code 为 DomainError 的错误代码。
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// NewExec 构造 EXEC 请求，args 逐个序列化
func NewExec(modelName, key string, args ...any) (Message, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Message{}, fmt.Errorf("loader: encode argument %d of %s: %w", i, key, err)
		}
		raw[i] = b
	}
	return Message{Type: TypeExec, ID: uuid.NewString(), ModelName: modelName, Key: key, Args: raw}, nil
}

// NewPing 构造 PING 请求
func NewPing() Message {
	return Message{Type: TypePing, ID: uuid.NewString()}
}

func resultReply(id string, v any) Reply {
	b, err := json.Marshal(v)
	if err != nil {
		return errorReply(id, fmt.Errorf("loader: encode result: %w", err))
	}
	return Reply{ID: id, Result: b}
}

func errorReply(id string, err error) Reply {
	r := Reply{ID: id, Error: err.Error(), Code: core.ErrorCodeInternalError}
	if de := core.GetDomainError(err); de != nil {
		r.Code = de.Code
	}
	return r
}

// Err 把应答中的错误还原为 DomainError，没有错误时返回 nil
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	code := r.Code
	if code == "" {
		code = core.ErrorCodeInternalError
	}
	return core.NewDomainError(core.ModuleLoader, code, r.Error)
}

// Decode 把结果解码到 v
func (r Reply) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("loader: decode result: %w", err)
	}
	return nil
}

func decodeArg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return core.NewDomainError(core.ModuleLoader, core.ErrorCodeInvalidInput,
			fmt.Sprintf("loader: missing argument %d", i))
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return core.NewDomainError(core.ModuleLoader, core.ErrorCodeInvalidInput,
			fmt.Sprintf("loader: decode argument %d: %v", i, err))
	}
	return nil
}
