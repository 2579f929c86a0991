package proof

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Коды ответа внутри структуры результата.
const (
	CodeOK        = 0
	CodeThrottled = 429
)

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает адаптер поверх готового соединения.
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

// Dial открывает соединение с сервисом доказательств. Пустой адрес — ErrNotConfigured.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, ErrNotConfigured
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("proof: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Attest реализует Provider
func (a *GRPCAdapter) Attest(ctx context.Context, record map[string]any) (string, error) {
	req, err := structpb.NewStruct(record)
	if err != nil {
		return "", fmt.Errorf("failed to create proto struct: %w", err)
	}

	// Свой предел на уровне вызова, даже если ReliabilityWrapper задает собственный
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, AttestMethod, req, resp); err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return "", &ThrottleError{RetryAfter: time.Second, Cause: err}
		}
		return "", fmt.Errorf("proof call failed: %w", err)
	}

	fields := resp.GetFields()
	code := int(fields["code"].GetNumberValue())
	switch code {
	case CodeOK:
	case CodeThrottled:
		retryAfter := time.Duration(fields["retry_after_ms"].GetNumberValue()) * time.Millisecond
		return "", &ThrottleError{RetryAfter: retryAfter, Cause: fmt.Errorf("%s", fields["error"].GetStringValue())}
	default:
		return "", fmt.Errorf("proof service returned error [%d]: %s", code, fields["error"].GetStringValue())
	}

	proof := fields["proof"].GetStringValue()
	if proof == "" {
		return "", fmt.Errorf("proof service returned empty proof")
	}
	return proof, nil
}
