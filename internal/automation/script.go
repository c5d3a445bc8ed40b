//go:build !no_automation

package automation

// ScriptMeta is the metadata header of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation loaded from the scripts directory.
type Script struct {
	ID       string     `json:"id"` // file name without .lua
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}
