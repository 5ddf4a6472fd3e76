package mqttconn

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/iot"
	"github.com/aws/aws-sdk-go/service/iot/iotiface"
)

// EndpointType selects the ATS signed data endpoint.
const EndpointType = "iot:Data-ATS"

var errNoEndpoint = errors.New("no endpoint address returned")

// Discover asks the IoT control plane for the account's data endpoint.
func Discover(ctx context.Context, api iotiface.IoTAPI) (string, error) {
	out, err := api.DescribeEndpointWithContext(ctx, &iot.DescribeEndpointInput{
		EndpointType: aws.String(EndpointType),
	})
	if err != nil {
		return "", fmt.Errorf("describe IoT endpoint: %w", err)
	}
	addr := aws.StringValue(out.EndpointAddress)
	if addr == "" {
		return "", errNoEndpoint
	}
	return addr, nil
}
