package context

import (
	"context"

	"github.com/gswatch/gswatch/pkg/osinfo"
)

type contextKey int

const (
	osInfo contextKey = iota
)

func OSInfoFromContext(ctx context.Context) osinfo.Info {
	info, _ := ctx.Value(osInfo).(osinfo.Info)

	return info
}

func contextWithOSInfo(ctx context.Context, info osinfo.Info) context.Context {
	return context.WithValue(ctx, osInfo, info)
}

func SetOSContext(ctx context.Context) (context.Context, error) {
	info, err := osinfo.GetOSInfo()
	if err != nil {
		return ctx, err
	}

	ctx = contextWithOSInfo(ctx, info)

	return ctx, nil
}
