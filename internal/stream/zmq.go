package stream

import (
	"errors"
	"fmt"
	"syscall"

	zmq "github.com/pebbe/zmq4"
)

// zmqSubscriber is a conflated SUB socket bound to the live address.
type zmqSubscriber struct {
	ctx  *zmq.Context
	sock *zmq.Socket
}

// ListenZMQ binds a SUB socket at addr (e.g. "tcp://192.168.2.10:5555"),
// keeping only the newest message and subscribing to everything.
func ListenZMQ(addr string) (Subscriber, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq context: %w", err)
	}
	sock, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		zctx.Term()
		return nil, fmt.Errorf("zmq socket: %w", err)
	}
	fail := func(op string, err error) (Subscriber, error) {
		sock.Close()
		zctx.Term()
		return nil, fmt.Errorf("zmq %s %s: %w", op, addr, err)
	}
	if err := sock.SetConflate(true); err != nil {
		return fail("conflate", err)
	}
	if err := sock.SetLinger(0); err != nil {
		return fail("linger", err)
	}
	if err := sock.Bind(addr); err != nil {
		return fail("bind", err)
	}
	if err := sock.SetSubscribe(""); err != nil {
		return fail("subscribe", err)
	}
	return &zmqSubscriber{ctx: zctx, sock: sock}, nil
}

func (z *zmqSubscriber) Recv() ([]byte, error) {
	data, err := z.sock.RecvBytes(zmq.DONTWAIT)
	if err != nil {
		if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
			return nil, ErrNoMessage
		}
		return nil, err
	}
	return data, nil
}

func (z *zmqSubscriber) Close() error {
	return errors.Join(z.sock.Close(), z.ctx.Term())
}
