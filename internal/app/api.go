package app

import (
	"context"

	"github.com/Amund211/fetchcache/internal/domain"
)

// Operations of a Resolver[domain.Payload] as consumed by the ports

type ResolvePayload func(ctx context.Context, subject string, key string) (domain.Payload, error)

type InvalidateKey func(ctx context.Context, key string) bool

type ClearCache func(ctx context.Context)

type GetStatistics func() Statistics
