package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const transportSendBufferSize = 32

// HostTransport is the production Transport: one websocket connection to the
// privileged host process, with auth handshake, keepalive and reconnect.
// Responses are correlated to requests by wire id; push frames from
// host-driven tasks are decoded as envelopes and queued on the bus.

type HostTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
}

func DefaultHostTransportSettings() *HostTransportSettings {
	return &HostTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     60 * time.Second,
	}
}

type wireRequest struct {
	WireId  string         `json:"id"`
	Command string         `json:"cmd"`
	Args    map[string]any `json:"args"`
}

type wireResponse struct {
	WireId string `json:"id"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// a frame is either a response to a request or a pushed envelope
type wireFrame struct {
	WireId string          `json:"id,omitempty"`
	Status string          `json:"status,omitempty"`
	Data   any             `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Push   *UpdateEnvelope `json:"push,omitempty"`
}

type wireAuth struct {
	Auth *wireAuthArgs `json:"auth"`
}

type wireAuthArgs struct {
	Token      string `json:"token"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version"`
}

type pendingResult struct {
	response *wireResponse
	err      error
}

type HostTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	hostUrl string
	auth    *SessionAuth
	// receives pushed envelopes. May be nil.
	bus *StreamBus

	settings *HostTransportSettings

	send chan []byte

	stateLock      sync.Mutex
	nextWireId     uint64
	pendingResults map[string]chan *pendingResult
}

func NewHostTransportWithDefaults(
	ctx context.Context,
	hostUrl string,
	auth *SessionAuth,
	bus *StreamBus,
) *HostTransport {
	return NewHostTransport(ctx, hostUrl, auth, bus, DefaultHostTransportSettings())
}

func NewHostTransport(
	ctx context.Context,
	hostUrl string,
	auth *SessionAuth,
	bus *StreamBus,
	settings *HostTransportSettings,
) *HostTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &HostTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		hostUrl:        hostUrl,
		auth:           auth,
		bus:            bus,
		settings:       settings,
		send:           make(chan []byte, transportSendBufferSize),
		pendingResults: map[string]chan *pendingResult{},
	}
	go transport.run()
	return transport
}

// Execute implements Transport. It blocks until the host responds, the
// context ends, or the request times out.
func (self *HostTransport) Execute(ctx context.Context, command string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}

	self.stateLock.Lock()
	self.nextWireId += 1
	wireId := strconv.FormatUint(self.nextWireId, 10)
	result := make(chan *pendingResult, 1)
	self.pendingResults[wireId] = result
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		delete(self.pendingResults, wireId)
		self.stateLock.Unlock()
	}()

	frameBytes, err := json.Marshal(&wireRequest{
		WireId:  wireId,
		Command: command,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}

	select {
	case self.send <- frameBytes:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, errors.New("transport closed")
	}

	select {
	case pending := <-result:
		if pending.err != nil {
			return nil, pending.err
		}
		if pending.response.Status == BatchStatusOk {
			return pending.response.Data, nil
		}
		return nil, errors.New(pending.response.Error)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, errors.New("transport closed")
	case <-time.After(self.settings.RequestTimeout):
		return nil, fmt.Errorf("request timeout for %s", command)
	}
}

func (self *HostTransport) run() {
	defer self.cancel()

	sessionId, _ := self.auth.SessionId()

	authBytes, err := json.Marshal(&wireAuth{
		Auth: &wireAuthArgs{
			Token:      self.auth.Token,
			InstanceId: self.auth.InstanceId,
			AppVersion: self.auth.AppVersion,
		},
	})
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.hostUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ht]auth error %s = %s\n", sessionId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[ht]%s-> error = %s\n", sessionId, err)
							return
						}
						glog.V(2).Infof("[ht]%s->\n", sessionId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ht]%s<- error = %s\n", sessionId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[ht]ping %s<-\n", sessionId)
							continue
						}
						self.receive(message)
					default:
						glog.V(2).Infof("[ht]other=%d %s<-\n", messageType, sessionId)
					}
				}
			}()
		}
		c()

		// the connection dropped. In-flight requests cannot be attributed,
		// fail them all.
		self.failPending(errors.New("connection reset"))

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *HostTransport) receive(message []byte) {
	var frame wireFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[ht]bad frame = %s\n", err)
		return
	}

	if frame.Push != nil {
		if self.bus != nil {
			envelope := frame.Push
			if envelope.Priority == "" {
				envelope.Priority = PriorityNormal
			}
			self.bus.QueueUpdate(envelope)
		}
		return
	}

	self.stateLock.Lock()
	result, ok := self.pendingResults[frame.WireId]
	if ok {
		delete(self.pendingResults, frame.WireId)
	}
	self.stateLock.Unlock()

	if !ok {
		// response to a request that already timed out or was canceled
		glog.V(2).Infof("[ht]orphan response %s\n", frame.WireId)
		return
	}

	result <- &pendingResult{
		response: &wireResponse{
			WireId: frame.WireId,
			Status: frame.Status,
			Data:   frame.Data,
			Error:  frame.Error,
		},
	}
}

func (self *HostTransport) failPending(err error) {
	self.stateLock.Lock()
	pendingResults := self.pendingResults
	self.pendingResults = map[string]chan *pendingResult{}
	self.stateLock.Unlock()

	for _, result := range pendingResults {
		result <- &pendingResult{
			err: err,
		}
	}
}

func (self *HostTransport) Close() {
	self.cancel()
	self.failPending(errors.New("transport closed"))
}
