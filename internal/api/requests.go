package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/gateway"
	"github.com/lalithlochan/smsgate/internal/webhook"
)

const maxBodyBytes = 1 << 20

// RegisterDeviceRequest is sent by the app when it starts. fcmToken is the
// field name the Android app has always used.
type RegisterDeviceRequest struct {
	Model          string `json:"model" validate:"required,max=200"`
	BuildID        string `json:"buildId" validate:"required,max=200"`
	Brand          string `json:"brand" validate:"max=200"`
	Manufacturer   string `json:"manufacturer" validate:"max=200"`
	OS             string `json:"os" validate:"max=100"`
	AppVersionCode int    `json:"appVersionCode" validate:"gte=0"`
	FCMToken       string `json:"fcmToken" validate:"max=4096"`
	Enabled        *bool  `json:"enabled"`
}

func (r RegisterDeviceRequest) input() gateway.RegisterInput {
	return gateway.RegisterInput{
		Model:          r.Model,
		BuildID:        r.BuildID,
		Brand:          r.Brand,
		Manufacturer:   r.Manufacturer,
		OS:             r.OS,
		AppVersionCode: r.AppVersionCode,
		PushToken:      r.FCMToken,
		Enabled:        r.Enabled,
	}
}

// UpdateDeviceRequest changes the fields that are present.
type UpdateDeviceRequest struct {
	FCMToken       *string `json:"fcmToken" validate:"omitempty,max=4096"`
	Enabled        *bool   `json:"enabled"`
	Brand          *string `json:"brand" validate:"omitempty,max=200"`
	Manufacturer   *string `json:"manufacturer" validate:"omitempty,max=200"`
	OS             *string `json:"os" validate:"omitempty,max=100"`
	AppVersionCode *int    `json:"appVersionCode" validate:"omitempty,gte=0"`
}

func (r UpdateDeviceRequest) input() gateway.DeviceUpdateInput {
	return gateway.DeviceUpdateInput{
		PushToken:      r.FCMToken,
		Enabled:        r.Enabled,
		Brand:          r.Brand,
		Manufacturer:   r.Manufacturer,
		OS:             r.OS,
		AppVersionCode: r.AppVersionCode,
	}
}

// SendSMSRequest accepts both the current field names and the legacy
// smsBody/receivers pair.
type SendSMSRequest struct {
	Message           string   `json:"message"`
	SMSBody           string   `json:"smsBody"`
	Recipients        []string `json:"recipients" validate:"omitempty,max=1000,dive,required,max=32"`
	Receivers         []string `json:"receivers" validate:"omitempty,max=1000,dive,required,max=32"`
	SIMSubscriptionID *int     `json:"simSubscriptionId"`
	ScheduledAt       string   `json:"scheduledAt"`
}

func (r SendSMSRequest) input() gateway.SendInput {
	in := gateway.SendInput{
		Message:           r.Message,
		Recipients:        r.Recipients,
		SIMSubscriptionID: r.SIMSubscriptionID,
		ScheduledAt:       r.ScheduledAt,
	}
	if in.Message == "" {
		in.Message = r.SMSBody
	}
	if len(in.Recipients) == 0 {
		in.Recipients = r.Receivers
	}
	return in
}

// BulkSMSMessage is one entry of a bulk send.
type BulkSMSMessage struct {
	Message           string   `json:"message"`
	Recipients        []string `json:"recipients" validate:"omitempty,dive,required,max=32"`
	SIMSubscriptionID *int     `json:"simSubscriptionId"`
	ScheduledAt       string   `json:"scheduledAt"`
}

// SendBulkSMSRequest is a template plus a list of personalised messages.
type SendBulkSMSRequest struct {
	MessageTemplate string           `json:"messageTemplate"`
	Messages        []BulkSMSMessage `json:"messages" validate:"required,min=1,dive"`
}

func (r SendBulkSMSRequest) input() gateway.BulkSendInput {
	in := gateway.BulkSendInput{
		MessageTemplate: r.MessageTemplate,
		Messages:        make([]gateway.BulkMessage, len(r.Messages)),
	}
	for i, m := range r.Messages {
		in.Messages[i] = gateway.BulkMessage{
			Message:           m.Message,
			Recipients:        m.Recipients,
			SIMSubscriptionID: m.SIMSubscriptionID,
			ScheduledAt:       m.ScheduledAt,
		}
	}
	return in
}

// ReceivedSMSRequest is an inbound SMS uploaded by the device. The app sends
// receivedAtInMillis; receivedAt is accepted as RFC3339.
type ReceivedSMSRequest struct {
	Sender             string     `json:"sender" validate:"required,max=64"`
	Message            string     `json:"message" validate:"required"`
	ReceivedAt         *time.Time `json:"receivedAt"`
	ReceivedAtInMillis *int64     `json:"receivedAtInMillis" validate:"omitempty,gt=0"`
	SIMSubscriptionID  *int       `json:"simSubscriptionId"`
}

func (r ReceivedSMSRequest) input() gateway.ReceiveInput {
	at := r.ReceivedAt
	if m := fromMillis(r.ReceivedAtInMillis); m != nil {
		at = m
	}
	return gateway.ReceiveInput{
		Sender:            r.Sender,
		Message:           r.Message,
		ReceivedAt:        at,
		SIMSubscriptionID: r.SIMSubscriptionID,
	}
}

// UpdateSMSStatusRequest is a device report about a sent message.
type UpdateSMSStatusRequest struct {
	SMSID               string  `json:"smsId" validate:"required,uuid"`
	SMSBatchID          string  `json:"smsBatchId" validate:"omitempty,uuid"`
	Status              string  `json:"status" validate:"required"`
	SentAtInMillis      *int64  `json:"sentAtInMillis" validate:"omitempty,gt=0"`
	DeliveredAtInMillis *int64  `json:"deliveredAtInMillis" validate:"omitempty,gt=0"`
	FailedAtInMillis    *int64  `json:"failedAtInMillis" validate:"omitempty,gt=0"`
	ErrorCode           *string `json:"errorCode" validate:"omitempty,max=100"`
	ErrorMessage        *string `json:"errorMessage" validate:"omitempty,max=2000"`
}

func (r UpdateSMSStatusRequest) input() gateway.StatusUpdate {
	in := gateway.StatusUpdate{
		SMSID:        uuid.MustParse(r.SMSID),
		Status:       r.Status,
		SentAt:       fromMillis(r.SentAtInMillis),
		DeliveredAt:  fromMillis(r.DeliveredAtInMillis),
		FailedAt:     fromMillis(r.FailedAtInMillis),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
	}
	if r.SMSBatchID != "" {
		id := uuid.MustParse(r.SMSBatchID)
		in.BatchID = &id
	}
	return in
}

// HeartbeatRequest optionally refreshes the push token.
type HeartbeatRequest struct {
	FCMToken *string `json:"fcmToken" validate:"omitempty,max=4096"`
}

// CreateWebhookRequest registers an endpoint.
type CreateWebhookRequest struct {
	DeliveryURL   string   `json:"deliveryUrl" validate:"required,url"`
	SigningSecret string   `json:"signingSecret" validate:"required,min=20"`
	Events        []string `json:"events" validate:"required,min=1,dive,webhook_event"`
}

func (r CreateWebhookRequest) input() webhook.CreateSubscriptionInput {
	return webhook.CreateSubscriptionInput{
		DeliveryURL:   r.DeliveryURL,
		SigningSecret: r.SigningSecret,
		Events:        r.Events,
	}
}

// UpdateWebhookRequest changes the fields that are present.
type UpdateWebhookRequest struct {
	DeliveryURL   *string  `json:"deliveryUrl" validate:"omitempty,url"`
	SigningSecret *string  `json:"signingSecret" validate:"omitempty,min=20"`
	IsActive      *bool    `json:"isActive"`
	Events        []string `json:"events" validate:"omitempty,min=1,dive,webhook_event"`
}

func (r UpdateWebhookRequest) input() webhook.UpdateSubscriptionInput {
	return webhook.UpdateSubscriptionInput{
		DeliveryURL:   r.DeliveryURL,
		SigningSecret: r.SigningSecret,
		IsActive:      r.IsActive,
		Events:        r.Events,
	}
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("webhook_event", func(fl validator.FieldLevel) bool {
		return webhook.Event(fl.Field().String()).Valid()
	})
	return v
}

// decode reads a JSON body into dst and validates it. The returned error is
// safe to show to the client.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return errors.New(validationDetail(err))
	}
	return nil
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// drop the Go type name in front of the JSON path
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
