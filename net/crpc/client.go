package crpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

// Is lets errors.Is(err, ErrMethodNotFound) match routing failures reported by the server.
func (e ServerError) Is(target error) bool {
	return target == ErrMethodNotFound && isNotFound(string(e))
}

var (
	ErrShutdown       = errors.New("connection is shut down")
	ErrMethodNotFound = errors.New("method not found")
)

// Call represents an active RPC.
type Call struct {
	ServiceMethod string     // The name of the service and method to call.
	Args          any        // The argument to the function (*struct).
	Reply         any        // The reply from the function (*struct).
	Error         error      // After completion, the error status.
	Done          chan *Call // Receives *Call when Go is complete.
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Never block the input loop, the caller sizes the channel. See Go().
		log.Debugf("crpc: discarding reply for %s due to insufficient Done chan capacity", call.ServiceMethod)
	}
}

type Client struct {
	conn io.ReadWriteCloser

	wmu sync.Mutex // serializes request writes
	enc *cbor.Encoder

	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // input loop has terminated

	dead chan struct{} // closed when the input loop exits
}

func NewClient(conn io.ReadWriteCloser) *Client {
	client := &Client{
		conn:    conn,
		enc:     cbor.NewEncoder(conn),
		pending: make(map[uint64]*Call),
		dead:    make(chan struct{}),
	}
	go client.input()
	return client
}

// Dial connects to an RPC server at the specified network address.
func Dial(ctx context.Context, network, address string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (client *Client) send(call *Call) {
	client.mutex.Lock()
	if client.closing || client.shutdown {
		client.mutex.Unlock()
		call.Error = ErrShutdown
		call.done()
		return
	}
	seq := client.seq
	client.seq++
	client.pending[seq] = call
	client.mutex.Unlock()

	req := &RequestHeader{
		Method: call.ServiceMethod,
		Seq:    seq,
	}

	client.wmu.Lock()
	err := client.enc.Encode(req)
	if err == nil {
		err = client.enc.Encode(call.Args)
	}
	client.wmu.Unlock()

	if err != nil {
		client.mutex.Lock()
		call = client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()

		// The input loop may already have failed the call during shutdown
		if call != nil {
			call.Error = fmt.Errorf("crpc: sending %s: %w", req.Method, err)
			call.done()
		}
	}
}

func (client *Client) input() {
	var err error

	decoder := cbor.NewDecoder(client.conn)
	for err == nil {
		response := ResponseHeader{}
		if err = decoder.Decode(&response); err != nil {
			break
		}

		client.mutex.Lock()
		call := client.pending[response.Seq]
		delete(client.pending, response.Seq)
		client.mutex.Unlock()

		switch {
		case call == nil:
			// The request failed half way and was already dropped. Consume the body if there is one.
			if response.Err == "" {
				var discard any
				err = decoder.Decode(&discard)
			}
			log.Warnf("crpc: received reply for unknown sequence %d, discarding", response.Seq)

		case response.Err != "":
			call.Error = ServerError(response.Err)
			call.done()

		default:
			if derr := decoder.Decode(call.Reply); derr != nil {
				call.Error = derr
				err = derr
			}
			call.done()
		}
	}

	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	closed := client.closing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
	if closed {
		log.Debugf("crpc: client connection closed: %v", err)
		err = ErrShutdown
	} else {
		log.Warnf("crpc: client input loop error: %v", err)
	}

	for _, call := range client.pending {
		call.Error = err
		call.done()
	}
	client.pending = make(map[uint64]*Call)
	close(client.dead)
}

// Go invokes the function asynchronously. It returns the Call structure representing
// the invocation. The done channel will signal when the call is complete by returning
// the same Call object. If done is nil, Go will allocate a new channel.
// If non-nil, done must be buffered.
func (client *Client) Go(serviceMethod string, args any, reply any, done chan *Call) *Call {
	call := &Call{
		ServiceMethod: serviceMethod,
		Args:          args,
		Reply:         reply,
	}
	if done == nil {
		done = make(chan *Call, 1)
	}
	call.Done = done
	client.send(call)
	return call
}

// Call invokes the named function and waits for it to complete or for ctx to be done.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	call := client.Go(serviceMethod, args, reply, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-call.Done:
		return resp.Error
	}
}

// Dead is closed once the connection is gone, either by Close or by a transport failure.
func (client *Client) Dead() <-chan struct{} {
	return client.dead
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close()
}
