package service

import (
	"context"
	"fmt"

	"dataset-trainer-go/pkg/token"
)

// Principal 发起请求的团队成员，由认证中间件从 token 中解析。
type Principal struct {
	TeamID     string
	TmbID      string
	Permission token.Permission
}

// Grant 授权通过后的团队与成员。
type Grant struct {
	TeamID string
	TmbID  string
}

// Authorizer 在修改或读取资源前做权限判断。
type Authorizer interface {
	Authorize(ctx context.Context, p Principal, resourceTeamID string, need token.Permission) (Grant, error)
}

// TeamAuthorizer 按团队隔离：只能访问本团队资源，并且权限级别足够。
type TeamAuthorizer struct{}

func (TeamAuthorizer) Authorize(_ context.Context, p Principal, resourceTeamID string, need token.Permission) (Grant, error) {
	if p.TeamID == "" || p.TeamID != resourceTeamID {
		return Grant{}, fmt.Errorf("%w: team", ErrForbidden)
	}
	if !p.Permission.Allows(need) {
		return Grant{}, fmt.Errorf("%w: 需要 %s 权限", ErrForbidden, need)
	}
	return Grant{TeamID: p.TeamID, TmbID: p.TmbID}, nil
}
