package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"smsqd/internal/store"
)

type twilioSender struct {
	client *twilio.RestClient
}

func newTwilioSender(p store.Provider) (Sender, error) {
	if p.AccountSID == "" || p.AuthToken == "" {
		return nil, fmt.Errorf("twilio provider %s: account_sid and auth_token are required", p.ID)
	}
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: p.AccountSID,
		Password: p.AuthToken,
	})
	return &twilioSender{client: c}, nil
}

func (t *twilioSender) Send(ctx context.Context, msg OutboundMessage) (Result, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(msg.From)
	params.SetBody(msg.Body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 && restErr.Status != 429 {
			return Result{}, &PermanentError{Reason: restErr.Message}
		}
		return Result{}, err
	}

	res := Result{}
	if resp.Sid != nil {
		res.ProviderRef = *resp.Sid
	}
	if resp.Price != nil {
		// Twilio reports price as a negative decimal string ("-0.0079").
		if v, perr := strconv.ParseFloat(*resp.Price, 64); perr == nil {
			if v < 0 {
				v = -v
			}
			res.Cost = v
		}
	}
	return res, nil
}
