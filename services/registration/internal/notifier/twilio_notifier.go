package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/diagnosis/smartregister/pkg/logger"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier sends SMS through the Twilio Messages API.
type TwilioNotifier struct {
	api  messageCreator
	from string
}

func NewTwilioNotifier(accountSID, authToken, from string) (*TwilioNotifier, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, errors.New("missing Twilio credentials")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioNotifier{api: client.Api, from: from}, nil
}

func (t *TwilioNotifier) Send(ctx context.Context, phone, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(phone)
	params.SetBody(text)

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio create message: %w", err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	logger.InfoContext(ctx, "SMS sent", "sid", sid)
	return nil
}
