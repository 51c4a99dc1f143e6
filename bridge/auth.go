package bridge

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionAuth is presented to the host when a transport connects. The token
// is issued by the host at workspace open; the bridge never verifies it, the
// host does.
type SessionAuth struct {
	Token      string
	InstanceId Id
	AppVersion string
}

func (self *SessionAuth) SessionId() (Id, error) {
	sessionToken, err := ParseSessionTokenUnverified(self.Token)
	if err != nil {
		return Id{}, err
	}
	return sessionToken.SessionId, nil
}

type SessionToken struct {
	SessionId   Id
	WorkspaceId Id
	UserName    string
}

// ParseSessionTokenUnverified extracts the session claims without verifying
// the signature. Used for transport auth and log tagging only.
func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsedToken.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if sessionIdStr, ok := claims["session_id"]; ok {
		if sessionId, err := ParseId(sessionIdStr.(string)); err == nil {
			sessionToken.SessionId = sessionId
		}
	}
	if workspaceIdStr, ok := claims["workspace_id"]; ok {
		if workspaceId, err := ParseId(workspaceIdStr.(string)); err == nil {
			sessionToken.WorkspaceId = workspaceId
		}
	}
	if userName, ok := claims["user_name"]; ok {
		sessionToken.UserName = userName.(string)
	}

	return sessionToken, nil
}
