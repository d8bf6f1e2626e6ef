// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package i18n localizes the messages of the admin API. English and
// Simplified Chinese are supported; the language is negotiated from the
// Accept-Language header.
package i18n

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	MsgInvalidBody    = "invalid request body"
	MsgInvalidID      = "invalid site id"
	MsgInvalidField   = "invalid %s: %s"
	MsgSiteNotFound   = "federation site not found"
	MsgDomainExists   = "an active site with this domain already exists"
	MsgInternal       = "internal server error"
	MsgDeleted        = "federation site deleted"
	MsgKeyGenerateErr = "failed to generate key"
	MsgUnauthorized   = "missing or invalid admin token"
)

var supported = []language.Tag{
	language.English, // default
	language.SimplifiedChinese,
}

var matcher = language.NewMatcher(supported)

var translations = map[string][2]string{
	MsgInvalidBody:    {"invalid request body", "请求体格式错误"},
	MsgInvalidID:      {"invalid site id", "站点 ID 无效"},
	MsgInvalidField:   {"invalid %s: %s", "字段 %s 无效：%s"},
	MsgSiteNotFound:   {"federation site not found", "联邦站点不存在"},
	MsgDomainExists:   {"an active site with this domain already exists", "该域名已存在有效的联邦站点"},
	MsgInternal:       {"internal server error", "服务器内部错误"},
	MsgDeleted:        {"federation site deleted", "联邦站点已删除"},
	MsgKeyGenerateErr: {"failed to generate key", "生成密钥失败"},
	MsgUnauthorized:   {"missing or invalid admin token", "管理令牌缺失或无效"},
}

var cat = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, tr := range translations {
		for i, tag := range supported {
			if err := b.SetString(tag, key, tr[i]); err != nil {
				panic(err)
			}
		}
	}
	return b
}()

// Match returns the supported language closest to an Accept-Language value.
func Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// FromRequest negotiates the language of r.
func FromRequest(r *http.Request) language.Tag {
	return Match(r.Header.Get("Accept-Language"))
}

// T renders key in tag, formatting args.
func T(tag language.Tag, key string, args ...any) string {
	return message.NewPrinter(tag, message.Catalog(cat)).Sprintf(key, args...)
}
