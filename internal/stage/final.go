package stage

import (
	"context"
	"fmt"
	"net/url"

	"brainlink/redirect-service/internal/token"
)

// Final verifies the routing token and produces the terminal redirect,
// with the genesis-captured query parameters merged back into the
// destination URL. This is the only stage that mints no further token.
type Final struct {
	Codec *token.Codec
}

func (f *Final) Handle(ctx context.Context, routingToken, clientIP, userAgent string) (Result, error) {
	claims, err := f.Codec.Verify(ctx, routingToken, token.RoutingKey, token.AudienceFinal)
	if err != nil {
		return Result{}, err
	}

	location, err := mergeParams(claims.Destination, claims.OriginalParams)
	if err != nil {
		return Result{}, fmt.Errorf("merge destination params: %w", err)
	}

	return Result{
		Location: location,
		ClickID:  claims.Subject,
		Terminal: true,
	}, nil
}

// mergeParams appends the original parameters to the destination's query
// string. Keys already present in the destination win: the advertiser's
// own parameters are never overwritten by click-through ones.
func mergeParams(destination string, original url.Values) (string, error) {
	if len(original) == 0 {
		return destination, nil
	}
	u, err := url.Parse(destination)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, values := range original {
		if _, exists := q[key]; exists {
			continue
		}
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
