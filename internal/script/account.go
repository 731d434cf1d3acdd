package script

import (
	"context"
	"net/url"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/store"
	lua "github.com/yuin/gopher-lua"
)

// Account is the part of the store a script may use.
type Account interface {
	Get(ctx context.Context, id string) (model.Doc, error)
	BulkDocs(ctx context.Context, docs []model.Doc) ([]store.BulkResult, error)
	Update(ctx context.Context, fn, docID string, query url.Values, body any) error
}

// luaGetAcct returns a table of account functions. Both acct.get(id) and
// acct:get(id) work. Failures are returned Lua style as nil, message.
func (e *Engine) luaGetAcct(L *lua.LState) int {
	if e.account == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("no store account available"))
		return 2
	}

	acct := L.NewTable()
	method := func(f func(L *lua.LState, base int) int) *lua.LFunction {
		return L.NewFunction(e.capability(func(L *lua.LState) int {
			base := 1
			if L.Get(1) == acct {
				base = 2
			}
			return f(L, base)
		}))
	}

	acct.RawSetString("get", method(func(L *lua.LState, base int) int {
		id := L.CheckString(base)
		doc, err := e.account.Get(e.ctx(L), id)
		if err != nil {
			return pushErr(L, err)
		}
		L.Push(ToLua(L, map[string]any(doc)))
		return 1
	}))

	acct.RawSetString("bulk_docs", method(func(L *lua.LState, base int) int {
		raw, ok := FromLua(L.CheckTable(base)).([]any)
		if !ok {
			L.ArgError(base, "expected a list of documents")
			return 0
		}
		docs := make([]model.Doc, 0, len(raw))
		for _, d := range raw {
			m, ok := d.(map[string]any)
			if !ok {
				L.ArgError(base, "expected a list of documents")
				return 0
			}
			docs = append(docs, model.Doc(m))
		}
		res, err := e.account.BulkDocs(e.ctx(L), docs)
		if err != nil {
			return pushErr(L, err)
		}
		L.Push(ToLua(L, res))
		return 1
	}))

	acct.RawSetString("update", method(func(L *lua.LState, base int) int {
		fn := L.CheckString(base)
		docID := L.CheckString(base + 1)
		body := FromLua(L.Get(base + 2))
		query := url.Values{}
		if t, ok := L.Get(base + 3).(*lua.LTable); ok {
			t.ForEach(func(k, v lua.LValue) {
				query.Set(k.String(), v.String())
			})
		}
		if err := e.account.Update(e.ctx(L), fn, docID, query, body); err != nil {
			return pushErr(L, err)
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.Push(acct)
	return 1
}

func (e *Engine) ctx(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func pushErr(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}
