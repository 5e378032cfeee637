package mccache

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/mccache/mccache-go/internal/config"
	"github.com/mccache/mccache-go/internal/logfmt"
)

// Engine owns every piece of coherence-critical state for one cluster
// member: its caches, pending-ack and arrival tables, and member list,
// plus the lock serializing access to all of it. An Engine is a plain
// value, safe to construct more than once per process (each test
// Engine is fully independent), with no import-time side effects.
type Engine struct {
	mu sync.Mutex // guards caches, pending, arrivals, members

	cfg    config.Config
	log    *logrus.Logger
	nodeID uuid.UUID

	selfAddrs map[string]bool
	selfAddr  string // primary address used to compute our own last-octet

	caches   map[string]*LocalCache
	pending  map[pendingKey]*pendingRecord
	arrivals map[arrivalKey]*arrivalRecord
	members  *memberTable

	outbound chan Operation
	codec    *codec
	rng      *rand.Rand

	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	registerer prometheus.Registerer

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger overrides the default logrus logger (useful for tests
// that want to capture log output).
func WithLogger(l *logrus.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithRegisterer overrides the default Prometheus registry (tests use
// this to avoid collisions between independent Engines in one process).
func WithRegisterer(r prometheus.Registerer) EngineOption {
	return func(e *Engine) { e.registerer = r }
}

// New constructs an Engine from cfg, opens its multicast sockets, and
// starts the Sender, Listener, and Housekeeper goroutines.
func New(cfg config.Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		caches:   make(map[string]*LocalCache),
		pending:  make(map[pendingKey]*pendingRecord),
		arrivals: make(map[arrivalKey]*arrivalRecord),
		members:  newMemberTable(),
		outbound: make(chan Operation, 4096),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
	}

	nodeID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("mccache: generating node id: %w", err)
	}
	e.nodeID = nodeID

	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.New()
		e.log.SetFormatter(&logfmt.Formatter{})
	}
	if e.registerer == nil {
		e.registerer = prometheus.DefaultRegisterer
	}

	cph, err := newCipher(cfg.CryptoKey)
	if err != nil {
		return nil, fmt.Errorf("mccache: loading crypto_key: %w", err)
	}
	e.codec = newCodec(cfg.PacketMTU, cph)

	addrs, primary, err := localAddresses()
	if err != nil {
		return nil, fmt.Errorf("mccache: enumerating local addresses: %w", err)
	}
	e.selfAddrs = addrs
	e.selfAddr = primary

	if err := e.openSocket(); err != nil {
		return nil, err
	}

	e.wg.Add(3)
	go e.runSender()
	go e.runListener()
	go e.runHousekeeper()

	e.log.WithFields(logrus.Fields{
		"node": e.nodeID.String(),
		"group": fmt.Sprintf("%s:%d", cfg.MulticastIP, cfg.MulticastPort),
	}).Info("engine started")

	return e, nil
}

// openSocket joins the configured multicast group, wrapped in a
// bounded backoff retry to tolerate a NIC that has not finished
// coming up at process start.
func (e *Engine) openSocket() error {
	return withBackoff(func() error {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", e.cfg.MulticastPort))
		if err != nil {
			return err
		}
		pconn := ipv4.NewPacketConn(conn)
		group := &net.UDPAddr{IP: net.ParseIP(e.cfg.MulticastIP), Port: e.cfg.MulticastPort}

		ifaces, _ := net.Interfaces()
		joined := false
		for _, iface := range ifaces {
			if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
			if err := pconn.JoinGroup(&iface, group); err == nil {
				joined = true
			}
		}
		if !joined {
			if err := pconn.JoinGroup(nil, group); err != nil {
				conn.Close()
				return err
			}
		}
		_ = pconn.SetMulticastTTL(e.cfg.MulticastHops)
		_ = pconn.SetMulticastLoopback(true)

		e.conn = conn
		e.pconn = pconn
		e.groupAddr = group
		return nil
	})
}

// GetCache returns the named LocalCache handle, creating it on first
// use; repeated calls with the same name return the same instance.
// name defaults to DefaultCacheName when empty.
func (e *Engine) GetCache(name string, opts ...CacheOption) *LocalCache {
	if name == "" {
		name = DefaultCacheName
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.caches[name]; ok {
		return c
	}
	allOpts := append([]CacheOption{
		WithTTL(e.cfg.CacheTTL),
		WithMaxEntries(e.cfg.CacheMax),
		WithMaxBytes(e.cfg.CacheSize),
		withQueueOut(e.outbound),
		withRegisterer(e.registerer),
	}, opts...)
	c := newLocalCache(name, allOpts...)
	e.caches[name] = c
	return c
}

func (e *Engine) cacheNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.caches))
	for name := range e.caches {
		out = append(out, name)
	}
	return out
}

func (e *Engine) cacheByName(name string) (*LocalCache, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.caches[name]
	return c, ok
}

// ClearCache clears the named cache (or every cache when name is
// empty) locally and broadcasts RST so peers do the same.
func (e *Engine) ClearCache(name string) {
	if name == "" {
		for _, n := range e.cacheNames() {
			if c, ok := e.cacheByName(n); ok {
				c.Clear()
			}
		}
	} else if c, ok := e.cacheByName(name); ok {
		c.Clear()
	}
	e.enqueueOutbound(Operation{Opcode: OpRst, TSM: time.Now().UnixNano(), Namespace: name})
}

// ClusterMetrics sends OpMet to peer (or to the whole group when peer
// is empty), so that the receiving peers log their metrics, then waits
// one housekeeper tick and returns this node's own Stats keyed by cache
// name. Peer metrics are not collected into the result.
func (e *Engine) ClusterMetrics(ctx context.Context, peer string) (map[string]Stats, error) {
	e.enqueueOutbound(Operation{Opcode: OpMet, TSM: time.Now().UnixNano(), Target: peer})
	out := make(map[string]Stats)
	for _, name := range e.cacheNames() {
		if c, ok := e.cacheByName(name); ok {
			out[name] = c.Stats()
		}
	}
	select {
	case <-ctx.Done():
		return out, ctx.Err()
	case <-time.After(e.cfg.DaemonSleep):
		return out, nil
	}
}

// ChecksumReport is the result of a cluster-wide digest comparison.
type ChecksumReport struct {
	Namespace string
	Key       string
	Local     digestEntry
	Mismatched []string // always empty: peer digests are not received
}

// ClusterChecksum sends OpInq for (name, key), so that the receiving
// peers log their digest, then waits one housekeeper tick and returns
// this node's own digest entry for key. Peer digests are not collected
// or compared.
func (e *Engine) ClusterChecksum(ctx context.Context, name, key string) (ChecksumReport, error) {
	c, ok := e.cacheByName(name)
	if !ok {
		return ChecksumReport{}, ErrUnknownNamespace
	}
	e.enqueueOutbound(Operation{Opcode: OpInq, TSM: time.Now().UnixNano(), Namespace: name, Key: key})
	d := c.digest()
	report := ChecksumReport{Namespace: name, Key: key}
	if key != "" {
		report.Local = d[key]
	}
	select {
	case <-ctx.Done():
		return report, ctx.Err()
	case <-time.After(e.cfg.DaemonSleep):
		return report, nil
	}
}

// MetricsHandler exposes the Engine's Prometheus registry for
// scrape-based observability, additive to the push-based MET opcode.
func (e *Engine) MetricsHandler() http.Handler {
	if g, ok := e.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (e *Engine) enqueueOutbound(op Operation) {
	select {
	case e.outbound <- op:
	case <-e.stopCh:
	}
}

// Close announces departure (MET then BYE, with a grace sleep so peers
// can receive it before the socket closes) and stops the three worker
// goroutines.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		e.enqueueOutbound(Operation{Opcode: OpMet, TSM: time.Now().UnixNano()})
		e.enqueueOutbound(Operation{Opcode: OpBye, TSM: time.Now().UnixNano()})
		time.Sleep(3 * time.Second)

		close(e.stopCh)
		e.wg.Wait()

		for _, name := range e.cacheNames() {
			if c, ok := e.cacheByName(name); ok {
				c.close()
			}
		}
		if e.conn != nil {
			err = e.conn.Close()
		}
	})
	return err
}

func localAddresses() (map[string]bool, string, error) {
	out := make(map[string]bool)
	out["127.0.0.1"] = true
	out["::1"] = true
	primary := "127.0.0.1"

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out[ipNet.IP.String()] = true
		if v4 := ipNet.IP.To4(); v4 != nil && !ipNet.IP.IsLoopback() {
			primary = ipNet.IP.String()
		}
	}
	return out, primary, nil
}
