package shadow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/iotdataplane"
	"github.com/aws/aws-sdk-go/service/iotdataplane/iotdataplaneiface"

	"github.com/laserguidance/targeting/pkg/core"
)

// IoTDataBackend talks to the AWS IoT device shadow REST API.
type IoTDataBackend struct {
	api iotdataplaneiface.IoTDataPlaneAPI
}

// NewIoTDataBackend wraps an iotdataplane client.
func NewIoTDataBackend(api iotdataplaneiface.IoTDataPlaneAPI) *IoTDataBackend {
	return &IoTDataBackend{api: api}
}

func (b *IoTDataBackend) Get(ctx context.Context, thing string) (core.ShadowDocument, error) {
	out, err := b.api.GetThingShadowWithContext(ctx, &iotdataplane.GetThingShadowInput{
		ThingName: aws.String(thing),
	})
	if err != nil {
		return core.ShadowDocument{}, classify(err)
	}
	return Decode(out.Payload)
}

func (b *IoTDataBackend) Update(ctx context.Context, thing string, doc core.ShadowDocument) (core.ShadowDocument, error) {
	payload, err := Encode(doc)
	if err != nil {
		return core.ShadowDocument{}, err
	}
	out, err := b.api.UpdateThingShadowWithContext(ctx, &iotdataplane.UpdateThingShadowInput{
		ThingName: aws.String(thing),
		Payload:   payload,
	})
	if err != nil {
		return core.ShadowDocument{}, classify(err)
	}
	return Decode(out.Payload)
}

// classify maps service error codes onto the package sentinels.
func classify(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case iotdataplane.ErrCodeResourceNotFoundException:
		return fmt.Errorf("%w: %s", ErrNotFound, aerr.Message())
	case iotdataplane.ErrCodeConflictException:
		return fmt.Errorf("%w: %s", ErrVersionConflict, aerr.Message())
	default:
		return err
	}
}
