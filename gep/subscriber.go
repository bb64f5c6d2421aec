package gep

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/klauspost/compress/gzip"
	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/gridpulse/gep4go/common"
	"github.com/gridpulse/gep4go/utils"
)

var (
	// ErrAlreadyConnected is returned by Connect when a session is active.
	ErrAlreadyConnected = errors.New("gep: subscriber is already connected; disconnect first")
	// ErrNotConnected is returned when operations require an established session.
	ErrNotConnected = errors.New("gep: subscriber is not connected")
)

// Callback signatures. Callbacks are delivered serially, in response
// order, on the subscriber's callback goroutine; they must not block
// for long or the stream backs up behind them.
type (
	MessageCallback              func(message string)
	DataStartTimeCallback        func(startTime int64)
	MetadataCallback             func(metadata []byte)
	NewMeasurementsCallback      func(measurements []Measurement)
	ConfigurationChangedCallback func()
	ConnectionTerminatedCallback func()
	AutoReconnectCallback        func()
)

// Subscriber maintains a GEP session with a publisher: it negotiates
// operational modes, subscribes to a filtered measurement stream, and
// decodes data packets arriving on the TCP command channel or an
// optional UDP data channel.
type Subscriber struct {
	compressPayloadData      bool
	compressMetadata         bool
	compressSignalIndexCache bool

	disconnecting *atomic.Bool
	connected     *atomic.Bool
	subscribed    *atomic.Bool

	totalCommandChannelBytesReceived *atomic.Uint64
	totalDataChannelBytesReceived    *atomic.Uint64
	totalMeasurementsReceived        *atomic.Uint64

	infoMu           sync.RWMutex
	subscriptionInfo SubscriptionInfo

	userData interface{}

	state *sessionStateMachine

	commandConn net.Conn
	hostAddress net.IP
	readBuffer  []byte

	writeMu     sync.Mutex
	writeBuffer []byte

	dataConn *net.UDPConn

	signalIndexCache *SignalIndexCache
	swapGuidBytes    bool

	baseTimeMu      sync.RWMutex
	timeIndex       int32
	baseTimeOffsets [2]int64

	tsscDecoder        *tsscDecoder
	tsscResetRequested *atomic.Bool
	tsscSequenceNumber uint16

	callbackQueue *utils.DispatchQueue

	commandChannelDone chan struct{}
	callbackThreadDone chan struct{}
	dataChannelDone    chan struct{}

	disconnectMu sync.Mutex

	callbackMu                   sync.RWMutex
	statusMessageCallback        MessageCallback
	errorMessageCallback         MessageCallback
	dataStartTimeCallback        DataStartTimeCallback
	metadataCallback             MetadataCallback
	newMeasurementsCallback      NewMeasurementsCallback
	processingCompleteCallback   MessageCallback
	configurationChangedCallback ConfigurationChangedCallback
	connectionTerminatedCallback ConnectionTerminatedCallback
	autoReconnectCallback        AutoReconnectCallback
	connectorCancel              func()

	logger common.Logger
}

// NewSubscriber creates a disconnected subscriber with default
// operational modes (payload, metadata, and signal index cache
// compression all enabled).
func NewSubscriber() *Subscriber {
	s := &Subscriber{
		compressPayloadData:              true,
		compressMetadata:                 true,
		compressSignalIndexCache:         true,
		disconnecting:                    atomic.NewBool(false),
		connected:                        atomic.NewBool(false),
		subscribed:                       atomic.NewBool(false),
		totalCommandChannelBytesReceived: atomic.NewUint64(0),
		totalDataChannelBytesReceived:    atomic.NewUint64(0),
		totalMeasurementsReceived:        atomic.NewUint64(0),
		subscriptionInfo:                 NewSubscriptionInfo(),
		signalIndexCache:                 NewSignalIndexCache(),
		swapGuidBytes:                    nativeOrderIsLittleEndian(),
		tsscDecoder:                      newTSSCDecoder(),
		tsscResetRequested:               atomic.NewBool(false),
		callbackQueue:                    utils.NewDispatchQueue(),
		readBuffer:                       make([]byte, maxPacketSize),
		writeBuffer:                      make([]byte, maxPacketSize),
		logger:                           common.NopLogger(),
	}

	s.state = newSessionStateMachine(fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			s.logger.Debug("session state changed", "from", e.Src, "to", e.Dst)
		},
	})

	return s
}

func nativeOrderIsLittleEndian() bool {
	return binary.NativeEndian.Uint16([]byte{0x01, 0x00}) == 1
}

// SetLogger installs a diagnostic logger. The default discards output.
func (s *Subscriber) SetLogger(logger common.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// --- callback registration ---

func (s *Subscriber) RegisterStatusMessageCallback(cb MessageCallback) {
	s.callbackMu.Lock()
	s.statusMessageCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterErrorMessageCallback(cb MessageCallback) {
	s.callbackMu.Lock()
	s.errorMessageCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterDataStartTimeCallback(cb DataStartTimeCallback) {
	s.callbackMu.Lock()
	s.dataStartTimeCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterMetadataCallback(cb MetadataCallback) {
	s.callbackMu.Lock()
	s.metadataCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterNewMeasurementsCallback(cb NewMeasurementsCallback) {
	s.callbackMu.Lock()
	s.newMeasurementsCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterProcessingCompleteCallback(cb MessageCallback) {
	s.callbackMu.Lock()
	s.processingCompleteCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterConfigurationChangedCallback(cb ConfigurationChangedCallback) {
	s.callbackMu.Lock()
	s.configurationChangedCallback = cb
	s.callbackMu.Unlock()
}

func (s *Subscriber) RegisterConnectionTerminatedCallback(cb ConnectionTerminatedCallback) {
	s.callbackMu.Lock()
	s.connectionTerminatedCallback = cb
	s.callbackMu.Unlock()
}

// RegisterAutoReconnectCallback installs the hook the connector uses to
// re-enter its retry loop after a peer-initiated termination.
func (s *Subscriber) RegisterAutoReconnectCallback(cb AutoReconnectCallback) {
	s.callbackMu.Lock()
	s.autoReconnectCallback = cb
	s.callbackMu.Unlock()
}

// registerConnectorCancel installs the connector's cancellation hook,
// invoked on user-initiated disconnects. Messages flow one way: the
// subscriber never holds a connector reference.
func (s *Subscriber) registerConnectorCancel(cancel func()) {
	s.callbackMu.Lock()
	s.connectorCancel = cancel
	s.callbackMu.Unlock()
}

// --- operational modes ---

// IsPayloadDataCompressed reports whether payload data compression
// (TSSC) is enabled.
func (s *Subscriber) IsPayloadDataCompressed() bool {
	return s.compressPayloadData
}

// SetPayloadDataCompressed controls TSSC payload compression. The mode
// is sticky at connect; changing it on a live session takes effect on
// the next connection.
func (s *Subscriber) SetPayloadDataCompressed(compressed bool) {
	s.compressPayloadData = compressed
}

// IsMetadataCompressed reports whether metadata exchange is GZip compressed.
func (s *Subscriber) IsMetadataCompressed() bool {
	return s.compressMetadata
}

// SetMetadataCompressed controls metadata compression. On a live
// session the updated operational modes are renegotiated immediately.
func (s *Subscriber) SetMetadataCompressed(compressed bool) {
	s.compressMetadata = compressed

	if s.connected.Load() {
		s.sendOperationalModes()
	}
}

// IsSignalIndexCacheCompressed reports whether signal index cache
// exchange is GZip compressed.
func (s *Subscriber) IsSignalIndexCacheCompressed() bool {
	return s.compressSignalIndexCache
}

// SetSignalIndexCacheCompressed controls signal index cache
// compression. On a live session the updated operational modes are
// renegotiated immediately.
func (s *Subscriber) SetSignalIndexCacheCompressed(compressed bool) {
	s.compressSignalIndexCache = compressed

	if s.connected.Load() {
		s.sendOperationalModes()
	}
}

// --- misc accessors ---

// UserData returns the opaque user reference.
func (s *Subscriber) UserData() interface{} {
	return s.userData
}

// SetUserData stores an opaque user reference.
func (s *Subscriber) SetUserData(userData interface{}) {
	s.userData = userData
}

// SubscriptionInfo returns the parameters of the most recent subscription.
func (s *Subscriber) SubscriptionInfo() SubscriptionInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.subscriptionInfo
}

// SetSubscriptionInfo replaces the subscription parameters used by the
// next Subscribe call.
func (s *Subscriber) SetSubscriptionInfo(info SubscriptionInfo) {
	s.infoMu.Lock()
	s.subscriptionInfo = info
	s.infoMu.Unlock()
}

// IsConnected reports whether the command channel is established.
func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}

// IsSubscribed reports whether the publisher has acknowledged a subscription.
func (s *Subscriber) IsSubscribed() bool {
	return s.subscribed.Load()
}

// CurrentState returns the session state name.
func (s *Subscriber) CurrentState() string {
	return s.state.CurrentState()
}

// TotalCommandChannelBytesReceived returns bytes received on the
// command channel since the last connection.
func (s *Subscriber) TotalCommandChannelBytesReceived() uint64 {
	return s.totalCommandChannelBytesReceived.Load()
}

// TotalDataChannelBytesReceived returns bytes received on the data
// channel since the last connection. Without a UDP data channel the
// command channel carries the data packets, so its count is returned.
func (s *Subscriber) TotalDataChannelBytesReceived() uint64 {
	s.infoMu.RLock()
	udp := s.subscriptionInfo.UdpDataChannel
	s.infoMu.RUnlock()

	if udp {
		return s.totalDataChannelBytesReceived.Load()
	}
	return s.totalCommandChannelBytesReceived.Load()
}

// TotalMeasurementsReceived returns measurements received since the
// last subscription.
func (s *Subscriber) TotalMeasurementsReceived() uint64 {
	return s.totalMeasurementsReceived.Load()
}

// SignalIndexCache exposes the current runtime index mappings.
func (s *Subscriber) SignalIndexCache() *SignalIndexCache {
	return s.signalIndexCache
}

// --- session lifecycle ---

// Connect establishes the command channel, starts the callback and
// response goroutines, and negotiates operational modes. The UDP data
// channel, if any, is established later by Subscribe.
func (s *Subscriber) Connect(hostname string, port uint16) error {
	if s.connected.Load() {
		return ErrAlreadyConnected
	}

	s.totalCommandChannelBytesReceived.Store(0)
	s.totalDataChannelBytesReceived.Store(0)
	s.totalMeasurementsReceived.Store(0)

	if err := s.state.Connect(); err != nil {
		s.logger.Warn("state transition to CONNECTING failed", "error", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(hostname, strconv.Itoa(int(port))))
	if err != nil {
		if serr := s.state.Disconnect(); serr != nil {
			s.logger.Warn("state transition to DISCONNECTED failed", "error", serr)
		}
		return fmt.Errorf("gep: connect to %s:%d: %w", hostname, port, err)
	}

	s.commandConn = conn
	s.hostAddress = conn.RemoteAddr().(*net.TCPAddr).IP

	s.callbackQueue.Reset()
	s.callbackThreadDone = make(chan struct{})
	s.commandChannelDone = make(chan struct{})

	go s.runCallbackThread(s.callbackThreadDone)
	go s.runCommandChannelResponseThread(conn, s.commandChannelDone)

	s.sendOperationalModes()
	s.connected.Store(true)

	if err := s.state.Established(); err != nil {
		s.logger.Warn("state transition to CONNECTED failed", "error", err)
	}

	s.logger.Info("connected to publisher", "host", hostname, "port", port)
	return nil
}

// Subscribe sends a subscription request built from the current
// SubscriptionInfo. If a subscription is already active it is released
// first. The subscribed flag flips when the publisher acknowledges.
func (s *Subscriber) Subscribe() error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	if s.subscribed.Load() {
		if err := s.Unsubscribe(); err != nil {
			return err
		}
	}

	s.totalMeasurementsReceived.Store(0)

	s.infoMu.RLock()
	info := s.subscriptionInfo
	s.infoMu.RUnlock()

	connectionString := info.buildConnectionString()

	if info.UdpDataChannel {
		network := "udp4"
		if s.hostAddress != nil && s.hostAddress.To4() == nil {
			network = "udp6"
		}

		conn, err := net.ListenUDP(network, &net.UDPAddr{Port: int(info.DataChannelLocalPort)})
		if err != nil {
			return fmt.Errorf("gep: bind data channel to local port %d: %w", info.DataChannelLocalPort, err)
		}

		s.dataConn = conn
		s.dataChannelDone = make(chan struct{})
		go s.runDataChannelResponseThread(conn, s.dataChannelDone)
	}

	flags := DataPacketCompact
	if info.RemotelySynchronized {
		flags |= DataPacketSynchronized
	}

	payload := make([]byte, 5+len(connectionString))
	payload[0] = flags
	binary.BigEndian.PutUint32(payload[1:5], uint32(len(connectionString)))
	copy(payload[5:], connectionString)

	if err := s.SendServerCommandWithPayload(CommandSubscribe, payload); err != nil {
		return err
	}

	// Expect the compression stream to restart on (re)subscription
	s.tsscResetRequested.Store(true)

	return nil
}

// SubscribeWith replaces the subscription parameters and subscribes.
func (s *Subscriber) SubscribeWith(info SubscriptionInfo) error {
	s.SetSubscriptionInfo(info)
	return s.Subscribe()
}

// Unsubscribe tears down the UDP data channel, if any, and asks the
// publisher to stop the stream. The subscribed flag flips on the
// publisher's acknowledgement.
func (s *Subscriber) Unsubscribe() error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.shutdownDataChannel()

	return s.SendServerCommand(CommandUnsubscribe)
}

func (s *Subscriber) shutdownDataChannel() {
	if s.dataConn != nil {
		_ = s.dataConn.Close()
		s.dataConn = nil
	}

	if s.dataChannelDone != nil {
		<-s.dataChannelDone
		s.dataChannelDone = nil
	}
}

// Disconnect closes the session. User-initiated disconnects cancel any
// connector retry loop; reconnection is never attempted.
func (s *Subscriber) Disconnect() {
	s.disconnect(false)
}

// disconnect stops the worker goroutines, closes both sockets, and
// fires the termination callbacks. With autoReconnect set (the
// peer-initiated path) the registered auto-reconnect hook runs after
// cleanup so a connector can re-enter its retry loop.
func (s *Subscriber) disconnect(autoReconnect bool) {
	s.disconnectMu.Lock()
	defer s.disconnectMu.Unlock()

	// Idempotent: later calls find nothing to tear down
	if s.commandConn == nil {
		return
	}

	s.disconnecting.Store(true)
	s.connected.Store(false)
	s.subscribed.Store(false)

	// Release queue and close sockets so the goroutines can observe
	// the shutdown and drain out
	s.callbackQueue.Release()
	_ = s.commandConn.Close()

	if s.dataConn != nil {
		_ = s.dataConn.Close()
		s.dataConn = nil
	}

	<-s.commandChannelDone
	<-s.callbackThreadDone
	if s.dataChannelDone != nil {
		<-s.dataChannelDone
		s.dataChannelDone = nil
	}

	s.commandConn = nil

	// Rearm the queue for a later reconnect
	s.callbackQueue.Clear()
	s.callbackQueue.Reset()

	if err := s.state.Disconnect(); err != nil {
		s.logger.Warn("state transition to DISCONNECTED failed", "error", err)
	}

	s.callbackMu.RLock()
	terminated := s.connectionTerminatedCallback
	reconnect := s.autoReconnectCallback
	cancel := s.connectorCancel
	s.callbackMu.RUnlock()

	if terminated != nil {
		terminated()
	}

	// Clear the barrier before a reconnect hook re-enters Connect
	s.disconnecting.Store(false)

	if autoReconnect {
		if reconnect != nil {
			reconnect()
		}
	} else if cancel != nil {
		cancel()
	}
}

// connectionTerminatedDispatcher runs the disconnect sequence on its
// own goroutine so the reactor that observed the peer close can exit
// and be joined.
func (s *Subscriber) connectionTerminatedDispatcher() {
	go s.disconnect(true)
}

// --- command channel ---

// runCommandChannelResponseThread drives the payload-header/packet read
// cycle until the session ends.
func (s *Subscriber) runCommandChannelResponseThread(conn net.Conn, done chan struct{}) {
	defer close(done)

	header := make([]byte, payloadHeaderSize)

	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			s.handleReadError(err)
			return
		}

		s.totalCommandChannelBytesReceived.Add(payloadHeaderSize)

		// Only the size field is examined; the marker is not validated
		packetSize := binary.LittleEndian.Uint32(header[4:8])

		if int(packetSize) > len(s.readBuffer) {
			s.readBuffer = make([]byte, packetSize)
		}

		packet := s.readBuffer[:packetSize]

		if _, err := io.ReadFull(conn, packet); err != nil {
			s.handleReadError(err)
			return
		}

		s.totalCommandChannelBytesReceived.Add(uint64(packetSize))
		s.processServerResponse(packet)
	}
}

// handleReadError classifies a command channel read failure: shutdown
// in progress, peer-initiated close, or a reportable transport error.
func (s *Subscriber) handleReadError(err error) {
	if s.disconnecting.Load() || errors.Is(err, net.ErrClosed) {
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		// Connection closed by peer; terminate connection
		s.connectionTerminatedDispatcher()
		return
	}

	s.dispatchErrorMessage("Error reading data from command channel: " + err.Error())
}

// runDataChannelResponseThread receives datagrams on the UDP data
// channel. Datagrams share the response format minus the outer framing.
func (s *Subscriber) runDataChannelResponseThread(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buffer := make([]byte, maxPacketSize)

	for {
		length, _, err := conn.ReadFromUDP(buffer)

		if s.disconnecting.Load() {
			return
		}

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.dispatchErrorMessage("Error reading data from data channel: " + err.Error())
			return
		}

		s.totalDataChannelBytesReceived.Add(uint64(length))
		s.processServerResponse(buffer[:length])
	}
}

// --- response router ---

// processServerResponse dispatches one server packet body to its
// handler by response code.
func (s *Subscriber) processServerResponse(packet []byte) {
	if len(packet) < responseHeaderSize {
		s.dispatchErrorMessage("Received malformed server response of " + strconv.Itoa(len(packet)) + " bytes")
		return
	}

	responseCode := packet[0]
	commandCode := packet[1]
	data := packet[responseHeaderSize:]

	switch responseCode {
	case ResponseSucceeded:
		s.handleSucceeded(commandCode, data)

	case ResponseFailed:
		s.handleFailed(commandCode, data)

	case ResponseDataPacket:
		s.handleDataPacket(data)

	case ResponseDataStartTime:
		s.handleDataStartTime(data)

	case ResponseProcessingComplete:
		s.handleProcessingComplete(data)

	case ResponseUpdateSignalIndexCache:
		s.handleUpdateSignalIndexCache(data)

	case ResponseUpdateBaseTimes:
		s.handleUpdateBaseTimes(data)

	case ResponseConfigurationChanged:
		s.handleConfigurationChanged()

	case ResponseNoOP:
		// Keep-alive

	default:
		s.dispatchErrorMessage(fmt.Sprintf("Encountered unexpected server response code: 0x%02X", responseCode))
	}
}

func (s *Subscriber) handleSucceeded(commandCode byte, data []byte) {
	switch commandCode {
	case CommandMetadataRefresh:
		// The response to a metadata refresh is the metadata itself,
		// not a status message
		s.handleMetadataRefresh(data)

	case CommandSubscribe, CommandUnsubscribe:
		subscribing := commandCode == CommandSubscribe
		s.subscribed.Store(subscribing)

		if subscribing {
			if err := s.state.Subscribe(); err != nil {
				s.logger.Warn("state transition to SUBSCRIBED failed", "error", err)
			}
		} else {
			if err := s.state.Unsubscribe(); err != nil {
				s.logger.Warn("state transition to CONNECTED failed", "error", err)
			}
		}

		s.dispatchStatusMessage(fmt.Sprintf("Received success code in response to server command 0x%02X: %s", commandCode, data))

	case CommandAuthenticate, CommandRotateCipherKeys:
		s.dispatchStatusMessage(fmt.Sprintf("Received success code in response to server command 0x%02X: %s", commandCode, data))

	default:
		s.dispatchErrorMessage(fmt.Sprintf("Received success code in response to unknown server command 0x%02X", commandCode))
	}
}

func (s *Subscriber) handleFailed(commandCode byte, data []byte) {
	s.dispatchErrorMessage(fmt.Sprintf("Received failure code from server command 0x%02X: %s", commandCode, data))
}

func (s *Subscriber) handleMetadataRefresh(data []byte) {
	// Metadata bytes pass through unchanged; decompression, if
	// negotiated, is the application's concern
	payload := append([]byte(nil), data...)

	s.dispatch(func() {
		s.callbackMu.RLock()
		cb := s.metadataCallback
		s.callbackMu.RUnlock()

		if cb != nil {
			cb(payload)
		}
	})
}

func (s *Subscriber) handleDataStartTime(data []byte) {
	payload := append([]byte(nil), data...)

	s.dispatch(func() {
		s.callbackMu.RLock()
		cb := s.dataStartTimeCallback
		s.callbackMu.RUnlock()

		if cb == nil {
			return
		}

		r := newByteReader(payload)
		startTime, err := r.readInt64()
		if err != nil {
			return
		}
		cb(startTime)
	})
}

func (s *Subscriber) handleProcessingComplete(data []byte) {
	message := string(data)

	s.dispatch(func() {
		s.callbackMu.RLock()
		cb := s.processingCompleteCallback
		s.callbackMu.RUnlock()

		if cb != nil {
			cb(message)
		}
	})
}

func (s *Subscriber) handleConfigurationChanged() {
	s.dispatch(func() {
		s.callbackMu.RLock()
		cb := s.configurationChangedCallback
		s.callbackMu.RUnlock()

		if cb != nil {
			cb()
		}
	})
}

// handleUpdateSignalIndexCache rebuilds the runtime index mappings.
// Runs synchronously on the receiving reactor: the publisher sends the
// cache before any data packet referencing it, and this ordering must
// be preserved through to the decoders.
func (s *Subscriber) handleUpdateSignalIndexCache(data []byte) {
	payload := data

	if s.compressSignalIndexCache {
		uncompressed, err := gunzip(data)
		if err != nil {
			s.dispatchErrorMessage("Error decompressing signal index cache: " + err.Error())
			return
		}
		payload = uncompressed
	}

	if err := s.signalIndexCache.update(payload, s.swapGuidBytes); err != nil {
		s.dispatchErrorMessage("Error parsing signal index cache: " + err.Error())
	}
}

func (s *Subscriber) handleUpdateBaseTimes(data []byte) {
	r := newByteReader(data)

	timeIndex, err := r.readInt32()
	if err != nil {
		return
	}

	offset0, err := r.readInt64()
	if err != nil {
		return
	}

	offset1, err := r.readInt64()
	if err != nil {
		return
	}

	s.baseTimeMu.Lock()
	s.timeIndex = timeIndex
	s.baseTimeOffsets[0] = offset0
	s.baseTimeOffsets[1] = offset1
	s.baseTimeMu.Unlock()
}

// handleDataPacket queues the packet body for decoding on the callback
// goroutine, keeping the reactor free to read the next frame. The body
// is copied once so the read buffer can be reused immediately.
func (s *Subscriber) handleDataPacket(data []byte) {
	payload := append([]byte(nil), data...)

	s.dispatch(func() {
		s.processDataPacket(payload)
	})
}

func (s *Subscriber) processDataPacket(payload []byte) {
	s.callbackMu.RLock()
	cb := s.newMeasurementsCallback
	s.callbackMu.RUnlock()

	if cb == nil {
		return
	}

	s.infoMu.RLock()
	includeTime := s.subscriptionInfo.IncludeTime
	useMillisecondResolution := s.subscriptionInfo.UseMillisecondResolution
	s.infoMu.RUnlock()

	r := newByteReader(payload)

	dataPacketFlags, err := r.readByte()
	if err != nil {
		s.dispatchErrorMessage("Received empty data packet")
		return
	}

	frameLevelTimestamp := int64(-1)

	if dataPacketFlags&DataPacketSynchronized > 0 {
		if frameLevelTimestamp, err = r.readInt64(); err != nil {
			s.dispatchErrorMessage("Error parsing data packet frame timestamp")
			return
		}
		includeTime = false
	}

	count, err := r.readUint32()
	if err != nil {
		s.dispatchErrorMessage("Error parsing data packet measurement count")
		return
	}

	s.totalMeasurementsReceived.Add(uint64(count))

	var measurements []Measurement

	if dataPacketFlags&DataPacketCompressed > 0 {
		measurements = s.parseTSSCMeasurements(r)
	} else {
		measurements = s.parseCompactMeasurements(r, includeTime, useMillisecondResolution, frameLevelTimestamp)
	}

	// Rejected or dropped packets yield no batch; nothing to deliver
	if len(measurements) == 0 {
		return
	}

	cb(measurements)
}

func (s *Subscriber) parseCompactMeasurements(r *byteReader, includeTime, useMillisecondResolution bool, frameLevelTimestamp int64) []Measurement {
	s.baseTimeMu.RLock()
	baseTimeOffsets := s.baseTimeOffsets
	s.baseTimeMu.RUnlock()

	decoder := compactDecoder{
		cache:                    s.signalIndexCache,
		baseTimeOffsets:          &baseTimeOffsets,
		includeTime:              includeTime,
		useMillisecondResolution: useMillisecondResolution,
	}

	measurements, err := decoder.decode(r, frameLevelTimestamp, nil)
	if err != nil {
		s.dispatchErrorMessage("Error parsing measurement")
	}

	return measurements
}

// parseTSSCMeasurements applies the reset and sequencing protocol, then
// drains the stateful decoder. A decode fault is reported but the
// sequence still advances so one corrupt packet cannot stall the
// stream.
func (s *Subscriber) parseTSSCMeasurements(r *byteReader) []Measurement {
	version, err := r.readByte()
	if err != nil {
		s.dispatchErrorMessage("Error parsing TSSC packet header")
		return nil
	}

	if version != tsscVersion {
		s.dispatchErrorMessage(fmt.Sprintf("TSSC version not recognized: 0x%02X", version))
		return nil
	}

	sequenceNumber, err := r.readUint16()
	if err != nil {
		s.dispatchErrorMessage("Error parsing TSSC packet header")
		return nil
	}

	if sequenceNumber == 0 && s.tsscSequenceNumber > 0 {
		if !s.tsscResetRequested.Load() {
			s.dispatchStatusMessage(fmt.Sprintf("TSSC algorithm reset before sequence number: %d", s.tsscSequenceNumber))
		}
		s.tsscDecoder.Reset()
		s.tsscSequenceNumber = 0
		s.tsscResetRequested.Store(false)
	}

	if s.tsscSequenceNumber != sequenceNumber {
		if !s.tsscResetRequested.Load() {
			s.dispatchErrorMessage(fmt.Sprintf("TSSC is out of sequence. Expecting: %d, Received: %d", s.tsscSequenceNumber, sequenceNumber))
		}
		// Ignore packets until the reset has occurred
		return nil
	}

	s.tsscDecoder.SetBuffer(r.buf[r.pos:])

	var measurements []Measurement

	for {
		id, timestamp, quality, value, ok, err := s.tsscDecoder.TryGetMeasurement()
		if err != nil {
			s.dispatchErrorMessage("Decompression failure: " + err.Error())
			break
		}
		if !ok {
			break
		}

		key, found := s.signalIndexCache.MeasurementKey(id)
		if !found {
			continue
		}

		measurements = append(measurements, Measurement{
			SignalID:  key.SignalID,
			Source:    key.Source,
			ID:        key.ID,
			Timestamp: timestamp,
			Flags:     quality,
			Value:     value,
		})
	}

	// The sequence advances even after a decode fault, so the packet
	// that follows a corrupt one is still accepted in sequence; it is
	// decoded against whatever state the partial decode left behind
	s.tsscSequenceNumber++

	// Do not increment to 0 on roll-over; 0 signals a fresh start
	if s.tsscSequenceNumber == 0 {
		s.tsscSequenceNumber = 1
	}

	return measurements
}

// --- callback queue ---

// runCallbackThread is the single consumer of the dispatch queue; all
// user callbacks are delivered from here, in order.
func (s *Subscriber) runCallbackThread(done chan struct{}) {
	defer close(done)

	for {
		fn, ok := s.callbackQueue.Dequeue()
		if !ok || s.disconnecting.Load() {
			return
		}
		fn()
	}
}

func (s *Subscriber) dispatch(fn func()) {
	s.callbackQueue.Enqueue(fn)
}

func (s *Subscriber) dispatchStatusMessage(message string) {
	s.dispatch(func() {
		s.callbackMu.RLock()
		cb := s.statusMessageCallback
		s.callbackMu.RUnlock()

		if cb != nil {
			cb(message)
		}
	})
}

func (s *Subscriber) dispatchErrorMessage(message string) {
	s.dispatch(func() {
		s.callbackMu.RLock()
		cb := s.errorMessageCallback
		s.callbackMu.RUnlock()

		if cb != nil {
			cb(message)
		}
	})
}

// --- command egress ---

// SendServerCommand frames and sends a bare command.
func (s *Subscriber) SendServerCommand(commandCode byte) error {
	return s.SendServerCommandWithPayload(commandCode, nil)
}

// SendServerCommandWithMessage sends a command whose payload is a
// length-prefixed UTF-8 message.
func (s *Subscriber) SendServerCommandWithMessage(commandCode byte, message string) error {
	payload := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(message)))
	copy(payload[4:], message)

	return s.SendServerCommandWithPayload(commandCode, payload)
}

// SendServerCommandWithPayload frames a command as marker + little-
// endian size + command code + payload and writes it to the command
// channel. Delivery is fire-and-forget; confirmation only comes from
// the server's next response.
func (s *Subscriber) SendServerCommandWithPayload(commandCode byte, payload []byte) error {
	conn := s.commandConn
	if conn == nil {
		return ErrNotConnected
	}

	packetSize := 1 + len(payload)
	commandBufferSize := packetSize + payloadHeaderSize

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if commandBufferSize > len(s.writeBuffer) {
		s.writeBuffer = make([]byte, commandBufferSize)
	}

	buffer := s.writeBuffer[:commandBufferSize]

	copy(buffer[0:4], payloadMarker[:])
	binary.LittleEndian.PutUint32(buffer[4:8], uint32(packetSize))
	buffer[8] = commandCode
	copy(buffer[9:], payload)

	if _, err := conn.Write(buffer); err != nil {
		s.logger.Error("command channel write failed", "command", commandCode, "error", err)
		return fmt.Errorf("gep: send command 0x%02X: %w", commandCode, err)
	}

	return nil
}

// RefreshMetadata asks the publisher for a fresh metadata image; the
// bytes arrive through the metadata callback.
func (s *Subscriber) RefreshMetadata() error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return s.SendServerCommand(CommandMetadataRefresh)
}

// sendOperationalModes negotiates encodings and per-stream compression.
// TSSC compression requires the stateful TCP stream, so the payload
// compression bits are cleared when a UDP data channel is configured.
func (s *Subscriber) sendOperationalModes() {
	s.infoMu.RLock()
	udpDataChannel := s.subscriptionInfo.UdpDataChannel
	s.infoMu.RUnlock()

	operationalModes := CompressionModeGZip
	operationalModes |= OperationalEncodingUTF8
	operationalModes |= OperationalModesUseCommonSerializationFormat

	if s.compressPayloadData && !udpDataChannel {
		operationalModes |= OperationalModesCompressPayloadData | CompressionModeTSSC
	}

	if s.compressMetadata {
		operationalModes |= OperationalModesCompressMetadata
	}

	if s.compressSignalIndexCache {
		operationalModes |= OperationalModesCompressSignalIndexCache
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, operationalModes)

	if err := s.SendServerCommandWithPayload(CommandDefineOperationalModes, payload); err != nil {
		s.logger.Error("define operational modes failed", "error", err)
	}
}

// gunzip decompresses a GZip payload.
func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
