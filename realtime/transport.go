package realtime

import "context"

// Link 一条已建立的订阅连接。
type Link interface {
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Dialer 为 (session, participant) 建立连接。
type Dialer interface {
	Dial(ctx context.Context, sessionID, participantID string) (Link, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, sessionID, participantID string) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, sessionID, participantID string) (Link, error) {
	return f(ctx, sessionID, participantID)
}

// LocalDialer 进程内连接，直接挂到 Registry 的 Hub 上。
type LocalDialer struct {
	Registry *Registry
}

func (d LocalDialer) Dial(ctx context.Context, sessionID, participantID string) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := d.Registry.Hub(sessionID).Attach(participantID)
	if err != nil {
		return nil, err
	}
	return s, nil
}
