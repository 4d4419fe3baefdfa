// Package messaging defines the protocol message model shared by the sending
// and receiving pipelines.
//
// A Message couples routing metadata with a Kind, one of VisibleMessage,
// TypingIndicator, ReadReceipt, ExpirationTimerUpdate,
// ClosedGroupControlMessage or ConfigurationMessage. A Destination says where
// a message goes. Messages travel as deterministic CBOR content, padded and
// encrypted, inside an Envelope.
//
// Example:
//
//	msg := messaging.New(&messaging.VisibleMessage{Text: "hi"}, messaging.NowMillis(nil))
//	if err := msg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	content, err := messaging.EncodeContent(msg)
//
// Errors returned by this package and its users wrap the sentinels declared
// in errors.go; IsRetryable classifies them for job queues.
package messaging
