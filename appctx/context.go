package appctx

import "context"

// ContextKey is the one key type shared by config, utils and models.
// It lives in its own package so config and utils never import each other.
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyBusinessId    = ContextKey("BusinessId")
	ContextKeyUserId        = ContextKey("UserId")
	ContextKeyUserName      = ContextKey("UserName")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyIsAdmin marks operator requests; the tenant guard lets them through.
	ContextKeyIsAdmin = ContextKey("IsAdmin")

	// ContextKeySkipTenantScope disables tenant scoping for internal jobs such as
	// the learning scheduler, which walks every business.
	ContextKeySkipTenantScope = ContextKey("SkipTenantScope")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

// WithBusiness is the context every engine call runs under.
func WithBusiness(ctx context.Context, businessId, userName string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyBusinessId, businessId)
	if userName != "" {
		ctx = context.WithValue(ctx, ContextKeyUserName, userName)
	}
	return ctx
}

// Internal marks a context as a background job that spans tenants.
func Internal(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeySkipTenantScope, true)
}
