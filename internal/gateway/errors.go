package gateway

import "errors"

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceUnavailable  = errors.New("device does not exist or is not enabled")
	ErrEmptyMessage       = errors.New("message cannot be blank")
	ErrNoRecipients       = errors.New("invalid recipients")
	ErrInvalidMessageList = errors.New("invalid message list")
	ErrInvalidSchedule    = errors.New("scheduledAt must be a valid future timestamp")
	ErrScheduleNeedsQueue = errors.New("scheduled delivery requires the send queue")
	ErrMessageNotFound    = errors.New("sms not found")
	ErrBatchNotFound      = errors.New("sms batch not found")
	ErrForbidden          = errors.New("sms does not belong to this device")
	ErrDispatchFailed     = errors.New("failed to send sms")
	ErrEnqueueFailed      = errors.New("failed to add sms to queue")
	ErrInvalidReceived    = errors.New("invalid received sms data")
	ErrInvalidStatus      = errors.New("invalid sms status")
)

// ErrInvalidDevice is returned when a registration lacks its identity fields.
var ErrInvalidDevice = errors.New("model and buildId are required")
