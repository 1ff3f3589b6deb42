package gpuchild

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
)

type glContext struct {
	url  string
	lost bool
}

// channel is the endpoint one client talks to. It accepts a single
// connection and turns the client's context lifecycle into host messages.
type channel struct {
	clientID  int32
	path      string
	key       []byte
	listener  net.Listener
	host      *ipc.Conn
	cacheable bool
	gone      chan<- int32

	mu       sync.Mutex
	conn     *ipc.Conn
	contexts map[int]*glContext
	nextID   int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newChannel(dir string, params ipc.EstablishChannelParams, host *ipc.Conn, cacheable bool, gone chan<- int32) (*channel, error) {
	key, err := ipc.GenerateKey()
	if err != nil {
		return nil, err
	}
	path := ipc.EndpointPath(dir, fmt.Sprintf("gpu-channel-%d-%d", os.Getpid(), params.ClientID))
	ln, err := ipc.Listen(path)
	if err != nil {
		return nil, err
	}
	ch := &channel{
		clientID:  params.ClientID,
		path:      path,
		key:       key,
		listener:  ln,
		host:      host,
		cacheable: cacheable,
		gone:      gone,
		contexts:  make(map[int]*glContext),
		done:      make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.serve()
	return ch, nil
}

func (ch *channel) handle() ipc.ChannelHandle {
	return ipc.ChannelHandle{Path: ch.path, Key: ipc.EncodeKey(ch.key)}
}

func (ch *channel) serve() {
	defer ch.wg.Done()
	l := log.With(logging.KeyClientID, ch.clientID)

	raw, err := ch.listener.Accept()
	if err != nil {
		select {
		case <-ch.done:
		default:
			l.Warn("channel accept failed", logging.KeyError, err)
			ch.signalGone()
		}
		return
	}
	// One client per channel.
	ch.listener.Close()

	conn := ipc.NewConn(raw, ch.key)
	ch.mu.Lock()
	select {
	case <-ch.done:
		ch.mu.Unlock()
		conn.Close()
		return
	default:
	}
	ch.conn = conn
	ch.mu.Unlock()

	for {
		env, err := conn.Recv()
		if err != nil {
			select {
			case <-ch.done:
			default:
				l.Debug("channel client disconnected", logging.KeyError, err)
				ch.signalGone()
			}
			return
		}
		ch.onMessage(conn, env)
	}
}

func (ch *channel) signalGone() {
	select {
	case ch.gone <- ch.clientID:
	case <-ch.done:
	}
}

func (ch *channel) onMessage(conn *ipc.Conn, env *ipc.Envelope) {
	var err error
	switch env.Type {
	case ipc.TypeCreateOffscreenContext:
		var m ipc.CreateOffscreenContext
		if err = env.Decode(&m); err == nil {
			id := ch.createContext(m.URL)
			err = conn.Send(ipc.TypeContextCreated, ipc.ContextCreated{ContextID: id})
		}
	case ipc.TypeDestroyContext:
		var m ipc.DestroyContext
		if err = env.Decode(&m); err == nil {
			ch.destroyContext(m.ContextID)
		}
	case ipc.TypeLoseContext:
		var m ipc.LoseContext
		if err = env.Decode(&m); err == nil {
			ch.loseContext(m.ContextID, m.Reason)
		}
	case ipc.TypeChannelCacheShader:
		var m ipc.ChannelCacheShader
		if err = env.Decode(&m); err == nil && ch.cacheable {
			err = ch.host.Send(ipc.TypeCacheShader, ipc.CacheShader{ClientID: ch.clientID, Key: m.Key, Shader: m.Shader})
		}
	default:
		log.Debug("unhandled channel message", logging.KeyClientID, ch.clientID, logging.KeyMsgType, env.Type)
	}
	if err != nil {
		log.Warn("channel message failed", logging.KeyClientID, ch.clientID, logging.KeyMsgType, env.Type, logging.KeyError, err)
	}
}

func (ch *channel) createContext(url string) int {
	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	ch.contexts[id] = &glContext{url: url}
	ch.mu.Unlock()

	ch.sendHost(ipc.TypeDidCreateOffscreenContext, ipc.OffscreenContextURL{URL: url})
	return id
}

func (ch *channel) destroyContext(id int) {
	ch.mu.Lock()
	c, ok := ch.contexts[id]
	delete(ch.contexts, id)
	ch.mu.Unlock()
	if ok {
		ch.sendHost(ipc.TypeDidDestroyOffscreenContext, ipc.OffscreenContextURL{URL: c.url})
	}
}

// loseContext reports the loss once. The context stays registered until
// the client destroys it.
func (ch *channel) loseContext(id int, reason ipc.ContextLostReason) {
	ch.mu.Lock()
	c, ok := ch.contexts[id]
	first := ok && !c.lost
	if first {
		c.lost = true
	}
	ch.mu.Unlock()
	if first {
		ch.sendHost(ipc.TypeDidLoseContext, ipc.DidLoseContext{Offscreen: true, Reason: reason, URL: c.url})
	}
}

func (ch *channel) sendHost(msgType string, payload any) {
	if err := ch.host.Send(msgType, payload); err != nil {
		log.Warn("send to host failed", logging.KeyMsgType, msgType, logging.KeyError, err)
	}
}

func (ch *channel) contextCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.contexts)
}

// close tears the channel down. Live contexts are reported destroyed so
// the host's view of offscreen contexts stays balanced.
func (ch *channel) close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.listener.Close()
		ch.mu.Lock()
		conn := ch.conn
		contexts := ch.contexts
		ch.contexts = make(map[int]*glContext)
		ch.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		ch.wg.Wait()
		for _, c := range contexts {
			ch.sendHost(ipc.TypeDidDestroyOffscreenContext, ipc.OffscreenContextURL{URL: c.url})
		}
		os.Remove(ch.path)
	})
}
