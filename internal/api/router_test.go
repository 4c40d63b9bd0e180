package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/repository"
	"github.com/wfunc/encounter-room/internal/utils"
	ws "github.com/wfunc/encounter-room/internal/websocket"
	"go.uber.org/zap"
)

const roomPath = "/api/v1/interactions/enc-1"

type apiFixture struct {
	t        *testing.T
	router   *Router
	registry *game.Registry
	repos    *repository.Manager
	tokens   map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := repository.TestDB(t)
	repos := repository.NewManager(db)
	registry := game.NewRegistry(game.RegistryConfig{
		Settings: game.DefaultSettings(),
		Deps: game.Dependencies{
			Entities: repos.Entities(),
			Archive:  repos.TurnLogs(),
			Store:    game.NewMemorySnapshotStore(),
		},
	})
	t.Cleanup(registry.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(zap.NewNop())
	go hub.Run(ctx)

	jwt := utils.NewJWTManager("test-secret", "encounter-auth", time.Hour)
	tokens := make(map[string]string)
	for user, role := range map[string]game.Role{"gm": game.RoleDM, "alice": game.RolePlayer, "bob": game.RolePlayer} {
		token, err := jwt.GenerateToken(user, string(role))
		require.NoError(t, err)
		tokens[user] = token
	}

	return &apiFixture{
		t:        t,
		registry: registry,
		repos:    repos,
		tokens:   tokens,
		router: NewRouter(Config{
			Registry:     registry,
			Hub:          hub,
			Validator:    jwt,
			Repositories: repos,
			DB:           db,
			WebSocket:    ws.DefaultOptions(),
		}),
	}
}

// do 以指定用户身份发送请求，user 为空时不带令牌
func (f *apiFixture) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.tokens[user])
	}
	w := httptest.NewRecorder()
	f.router.GetEngine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) apperrors.ErrorCode {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	assert.False(t, resp.Success)
	return resp.Error.Code
}

// seedEncounter 写入实体、加入房间、设置先攻并开始
func (f *apiFixture) seedEncounter() {
	t := f.t
	t.Helper()

	hero := repository.CreateTestEntity("hero", game.EntityPlayerCharacter, "")
	goblin := repository.CreateTestEntity("goblin", game.EntityMonster, "")

	w := f.do(http.MethodPut, "/api/v1/entities/hero", "gm", hero)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(http.MethodPost, "/api/v1/entities/import", "gm", ImportRequest{Entities: []*game.ParticipantState{goblin}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = f.do(http.MethodPost, roomPath+"/join", "alice", JoinRequest{EntityID: "hero"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPut, roomPath+"/initiative", "gm", InitiativeRequest{Entries: []game.InitiativeEntry{
		{EntityID: "goblin", EntityType: game.EntityMonster, Initiative: 10},
		{EntityID: "hero", EntityType: game.EntityPlayerCharacter, Initiative: 15},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, roomPath+"/start", "gm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouter_HealthCheck(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, serviceName, body["service"])
	assert.NotNil(t, body["stats"])
}

func TestRouter_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, roomPath+"/state", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/api/v1/unknown", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_EntityEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	hero := repository.CreateTestEntity("hero", game.EntityPlayerCharacter, "alice")

	// 玩家不能写实体
	w := f.do(http.MethodPut, "/api/v1/entities/hero", "alice", hero)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 路径与请求体不一致
	w = f.do(http.MethodPut, "/api/v1/entities/goblin", "gm", hero)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/entities/hero", "gm", hero)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/entities/hero", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"entityId":"hero"`)

	w = f.do(http.MethodGet, "/api/v1/entities/ghost", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrEntityNotFound, errorCode(t, w))

	// 批量导入：任一无效则整体失败
	bad := repository.CreateTestEntity("bad", "dragon", "")
	w = f.do(http.MethodPost, "/api/v1/entities/import", "gm", ImportRequest{
		Entities: []*game.ParticipantState{repository.CreateTestEntity("orc", game.EntityMonster, ""), bad},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodGet, "/api/v1/entities/orc", "gm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_JoinAndState(t *testing.T) {
	f := newAPIFixture(t)

	// 房间不存在
	w := f.do(http.MethodGet, roomPath+"/state", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrRoomNotFound, errorCode(t, w))

	// 实体不存在
	w = f.do(http.MethodPost, roomPath+"/join", "alice", JoinRequest{EntityID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPut, "/api/v1/entities/hero", "gm", repository.CreateTestEntity("hero", game.EntityPlayerCharacter, ""))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, roomPath+"/join", "alice", JoinRequest{EntityID: "hero"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "enc-1", body["roomId"])
	assert.NotEmpty(t, body["connectionId"])
	assert.EqualValues(t, 1, body["participantCount"])

	// 同一实体不能被另一玩家控制
	w = f.do(http.MethodPost, roomPath+"/join", "bob", JoinRequest{EntityID: "hero"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodGet, roomPath+"/state", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, string(game.StatusWaiting), body["status"])
	state := body["gameState"].(map[string]interface{})
	participants := state["participants"].(map[string]interface{})
	assert.Equal(t, "alice", participants["hero"].(map[string]interface{})["userId"])

	w = f.do(http.MethodPost, roomPath+"/leave", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodPost, roomPath+"/leave", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_TurnFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.seedEncounter()

	// 玩家不能设置先攻
	w := f.do(http.MethodPut, roomPath+"/initiative", "alice", InitiativeRequest{Entries: []game.InitiativeEntry{{EntityID: "hero"}}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 不是 bob 的回合
	w = f.do(http.MethodPost, roomPath+"/turns", "bob", game.TurnAction{Type: game.ActionEnd, EntityID: "hero"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperrors.ErrNotYourTurn, errorCode(t, w))

	// 校验失败返回 200 与 success=false
	w = f.do(http.MethodPost, roomPath+"/turns", "alice", game.TurnAction{Type: game.ActionMove, EntityID: "hero"})
	require.Equal(t, http.StatusOK, w.Code)
	var res game.TurnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.False(t, res.Result.Valid)
	assert.NotEmpty(t, res.Result.Errors)

	// 请求体缺失
	w = f.do(http.MethodPost, roomPath+"/turns", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, roomPath+"/turns", "alice", game.TurnAction{Type: game.ActionMove, EntityID: "hero", Position: &game.Position{X: 2, Y: 2}})
	require.Equal(t, http.StatusOK, w.Code)
	res = game.TurnResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Success, "%+v", res.Result.Errors)

	w = f.do(http.MethodPost, roomPath+"/turns", "alice", game.TurnAction{Type: game.ActionEnd, EntityID: "hero"})
	require.Equal(t, http.StatusOK, w.Code)

	// 玩家跳过别人的回合
	w = f.do(http.MethodPost, roomPath+"/turns/skip", "alice", ReasonRequest{Reason: "afk"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// DM 跳过哥布林的回合，无请求体也可以
	w = f.do(http.MethodPost, roomPath+"/turns/skip", "gm", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 归档中已有两个回合
	w = f.do(http.MethodGet, roomPath+"/turns/archive?page=1&page_size=10", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var archive struct {
		Turns      []game.TurnRecord `json:"turns"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &archive))
	require.Len(t, archive.Turns, 2)
	assert.Equal(t, game.RecordCompleted, archive.Turns[0].Status)
	assert.Equal(t, game.RecordSkipped, archive.Turns[1].Status)
	assert.EqualValues(t, 2, archive.Pagination.Total)

	// 超时只接受当前回合号
	w = f.do(http.MethodPost, roomPath+"/turns/timeout", "gm", TimeoutRequest{TurnNumber: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, roomPath+"/turns/timeout", "alice", TimeoutRequest{TurnNumber: 3})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 回溯
	w = f.do(http.MethodPost, roomPath+"/turns/backtrack", "alice", BacktrackRequest{TurnNumber: 1})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodPost, roomPath+"/turns/backtrack", "gm", BacktrackRequest{TurnNumber: 9})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, roomPath+"/turns/backtrack", "gm", BacktrackRequest{TurnNumber: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, roomPath+"/turns/backtrack", "gm", BacktrackRequest{TurnNumber: 1, Reason: "误操作"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1, body["turnNumber"])
	assert.Equal(t, "误操作", body["reason"])

	// 回溯后英雄回到原位且归档被截断
	state := f.do(http.MethodGet, roomPath+"/state", "alice", nil)
	require.Equal(t, http.StatusOK, state.Code)
	var view struct {
		GameState game.GameState `json:"gameState"`
	}
	require.NoError(t, json.Unmarshal(state.Body.Bytes(), &view))
	assert.Equal(t, game.Position{X: 1, Y: 2}, view.GameState.Participants["hero"].Position)
	require.NotNil(t, view.GameState.ActiveTurn)
	assert.Equal(t, "hero", view.GameState.ActiveTurn.EntityID)

	count, err := f.repos.TurnLogs().CountByInteraction(context.Background(), "enc-1")
	require.NoError(t, err)
	assert.EqualValues(t, len(view.GameState.TurnHistory), count)
}

func TestRouter_PauseResumeComplete(t *testing.T) {
	f := newAPIFixture(t)
	f.seedEncounter()

	w := f.do(http.MethodPost, roomPath+"/pause", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, roomPath+"/pause", "gm", ReasonRequest{Reason: "休息"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "休息", decode(t, w)["reason"])

	// 暂停时不能行动
	w = f.do(http.MethodPost, roomPath+"/turns", "alice", game.TurnAction{Type: game.ActionEnd, EntityID: "hero"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, roomPath+"/resume", "gm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, roomPath+"/complete", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodPost, roomPath+"/complete", "gm", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// 结束后房间被移除
	w = f.do(http.MethodGet, roomPath+"/state", "gm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, err := f.registry.Room("enc-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrRoomNotFound))
}

func TestRouter_Chat(t *testing.T) {
	f := newAPIFixture(t)
	f.seedEncounter()

	w := f.do(http.MethodPost, roomPath+"/chat", "alice", game.ChatRequest{Content: "大家好", Type: game.ChatParty})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, roomPath+"/chat", "alice", game.ChatRequest{Content: "悄悄话", Type: game.ChatPrivate, Recipients: []string{"gm"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, roomPath+"/chat", "alice", game.ChatRequest{Content: "", Type: game.ChatParty})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// bob 不是参与者
	w = f.do(http.MethodPost, roomPath+"/chat", "bob", game.ChatRequest{Content: "hi", Type: game.ChatParty})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, roomPath+"/chat?channelType=party", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["totalCount"])
	assert.Len(t, body["messages"], 1)

	w = f.do(http.MethodGet, roomPath+"/chat?channelType=shout", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodGet, roomPath+"/chat?limit=-1", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, roomPath+"/chat?limit=10", "gm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"], 2)
}
