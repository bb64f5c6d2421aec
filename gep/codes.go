package gep

// Server commands issued by the subscriber. Values are fixed by the
// Gateway Exchange Protocol and must match the publisher bit-exactly.
const (
	CommandAuthenticate             byte = 0x00
	CommandMetadataRefresh          byte = 0x01
	CommandSubscribe                byte = 0x02
	CommandUnsubscribe              byte = 0x03
	CommandRotateCipherKeys         byte = 0x04
	CommandUpdateProcessingInterval byte = 0x05
	CommandDefineOperationalModes   byte = 0x06
)

// Server responses. Codes at or above 0x80 share the command framing;
// the second header byte carries the command the response refers to, or
// zero for unsolicited stream frames.
const (
	ResponseSucceeded              byte = 0x80
	ResponseFailed                 byte = 0x81
	ResponseDataPacket             byte = 0x82
	ResponseUpdateSignalIndexCache byte = 0x83
	ResponseUpdateBaseTimes        byte = 0x84
	ResponseUpdateCipherKeys       byte = 0x85
	ResponseDataStartTime          byte = 0x86
	ResponseProcessingComplete     byte = 0x87
	ResponseBufferBlock            byte = 0x88
	ResponseNotify                 byte = 0x89
	ResponseConfigurationChanged   byte = 0x8A
	ResponseNoOP                   byte = 0xFF
)

// Data packet flags.
const (
	DataPacketSynchronized byte = 0x01
	DataPacketCompact      byte = 0x02
	DataPacketCipherIndex  byte = 0x04
	DataPacketCompressed   byte = 0x08
	DataPacketNoFlags      byte = 0x00
)

// Operational modes, negotiated once per connection via
// DefineOperationalModes before any subscription.
const (
	OperationalModesVersionMask                  uint32 = 0x0000001F
	OperationalModesCompressionModeMask          uint32 = 0x000000E0
	OperationalModesEncodingMask                 uint32 = 0x00000300
	OperationalModesUseCommonSerializationFormat uint32 = 0x01000000
	OperationalModesCompressPayloadData          uint32 = 0x20000000
	OperationalModesCompressSignalIndexCache     uint32 = 0x40000000
	OperationalModesCompressMetadata             uint32 = 0x80000000
	OperationalModesNoFlags                      uint32 = 0x00000000
)

// Operational string encodings. The subscriber always negotiates UTF-8.
const (
	OperationalEncodingUTF16LE uint32 = 0x00000000
	OperationalEncodingUTF16BE uint32 = 0x00000100
	OperationalEncodingUTF8    uint32 = 0x00000200
	OperationalEncodingANSI    uint32 = 0x00000300
)

// Compression modes carried inside the operational modes bitfield.
const (
	CompressionModeGZip uint32 = 0x00000020
	CompressionModeTSSC uint32 = 0x00000040
	CompressionModeNone uint32 = 0x00000000
)

const (
	// payloadHeaderSize is the fixed marker + size prefix on the command channel.
	payloadHeaderSize = 8

	// responseHeaderSize covers the responseCode and commandCode bytes
	// leading every server packet body.
	responseHeaderSize = 2

	// maxPacketSize seeds the read and write buffers; both grow on demand.
	maxPacketSize = 32768

	// tsscVersion is the only supported TSSC stream revision.
	tsscVersion byte = 0x55
)

// payloadMarker prefixes every framed message on the command channel.
var payloadMarker = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
