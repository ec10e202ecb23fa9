package chain

import (
	"errors"
	"net"
	"time"

	"github.com/lightninglabs/gozmq"
)

// bitcoind notification topics.
const (
	TopicHashBlock = "hashblock"
	TopicRawBlock  = "rawblock"
	TopicRawTx     = "rawtx"
)

const (
	maxTopicLen = 16
	maxRawTx    = 4_000_000
	seqNumLen   = 4
)

// Socket is a subscribed notification socket. Receive returns the frames of
// one message: topic, body and, from bitcoind, a little-endian sequence
// number. Frames are only valid until the next Receive.
type Socket interface {
	Receive() ([][]byte, error)
	Close() error
}

// Dialer opens a Socket subscribed to topics. timeout is the read deadline
// after which an idle Receive returns a timeout error.
type Dialer func(endpoint string, topics []string, timeout time.Duration) (Socket, error)

// DialZMQ subscribes to a bitcoind ZMQ publisher.
func DialZMQ(endpoint string, topics []string, timeout time.Duration) (Socket, error) {
	conn, err := gozmq.Subscribe(endpoint, topics, timeout)
	if err != nil {
		return nil, err
	}
	return &zmqSocket{
		conn: conn,
		bufs: [][]byte{
			make([]byte, maxTopicLen),
			make([]byte, maxRawTx),
			make([]byte, seqNumLen),
		},
	}, nil
}

type zmqSocket struct {
	conn *gozmq.Conn
	bufs [][]byte
}

func (s *zmqSocket) Receive() ([][]byte, error) {
	return s.conn.Receive(s.bufs)
}

func (s *zmqSocket) Close() error {
	return s.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
