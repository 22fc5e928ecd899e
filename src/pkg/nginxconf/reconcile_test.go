package nginxconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultModules = []Module{
	{Artifact: "ndk_http_module.so"},
	{Artifact: "ngx_http_set_misc_module.so"},
	{Artifact: "ngx_http_geoip2_module.so", Feature: "geoip2", DisabledSuffix: "# geoip2-disabled"},
}

const disabledConf = `user www-data;
worker_processes auto;
# load_module modules/ndk_http_module.so;
#load_module modules/ngx_http_set_misc_module.so;   # needs ndk
  ## load_module "/usr/lib/nginx/modules/ngx_http_geoip2_module.so";
# load_module modules/ngx_stream_geoip2_module.so;

events {
    worker_connections 768;
}

http {
    # GeoIP2 lookups, switched off until the module is rebuilt
    # geoip2 /usr/share/GeoIP/GeoLite2-Country.mmdb {
        # auto_reload 60m;
        ## country code of the client
        # $geoip2_data_country_code country iso_code;
    # }
    geoip2_proxy 10.0.0.0/8; # geoip2-disabled
    # map $geoip2_data_country_code $allowed { default yes; }
    include /etc/nginx/conf.d/*.conf;
}
`

const enabledConf = `user www-data;
worker_processes auto;
load_module modules/ndk_http_module.so;
load_module modules/ngx_http_set_misc_module.so;   # needs ndk
  load_module "/usr/lib/nginx/modules/ngx_http_geoip2_module.so";
# load_module modules/ngx_stream_geoip2_module.so;

events {
    worker_connections 768;
}

http {
    # GeoIP2 lookups, switched off until the module is rebuilt
    geoip2 /usr/share/GeoIP/GeoLite2-Country.mmdb {
        auto_reload 60m;
        ## country code of the client
        $geoip2_data_country_code country iso_code;
    }
    geoip2_proxy 10.0.0.0/8;
    # map $geoip2_data_country_code $allowed { default yes; }
    include /etc/nginx/conf.d/*.conf;
}
`

func TestReconcile_SingleLoadDirective(t *testing.T) {
	out, report := Reconcile("# load_module modules/ndk_http_module.so;", []Module{{Artifact: "ndk_http_module.so"}})

	assert.Equal(t, "load_module modules/ndk_http_module.so;", out)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, 1, report.Changes[0].LineNo)
	assert.Empty(t, report.Missing)
}

func TestReconcile_FullConfig(t *testing.T) {
	out, report := Reconcile(disabledConf, defaultModules)

	assert.Equal(t, enabledConf, out)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Duplicates)
	assert.True(t, report.Changed())
}

func TestReconcile_IsIdempotent(t *testing.T) {
	out, report := Reconcile(enabledConf, defaultModules)

	assert.Equal(t, enabledConf, out)
	assert.False(t, report.Changed())
}

func TestReconcile_EnablesOnlyOneOfSeveralDisabled(t *testing.T) {
	in := "# load_module modules/ndk_http_module.so;\n# load_module /opt/old/ndk_http_module.so;\n"

	out, _ := Reconcile(in, []Module{{Artifact: "ndk_http_module.so"}})

	assert.Equal(t, "load_module modules/ndk_http_module.so;\n# load_module /opt/old/ndk_http_module.so;\n", out)
	assert.Len(t, ActiveLoadDirectives(out), 1)
}

func TestReconcile_LeavesActiveDirectiveAlone(t *testing.T) {
	in := "load_module modules/ndk_http_module.so;\n# load_module modules/ndk_http_module.so;\n"

	out, report := Reconcile(in, []Module{{Artifact: "ndk_http_module.so"}})

	assert.Equal(t, in, out)
	assert.False(t, report.Changed())
}

func TestReconcile_ReportsDuplicatesAndMissing(t *testing.T) {
	in := "load_module modules/ndk_http_module.so;\nload_module modules/ndk_http_module.so;\n"

	out, report := Reconcile(in, []Module{{Artifact: "ndk_http_module.so"}, {Artifact: "ngx_http_set_misc_module.so"}})

	assert.Equal(t, in, out)
	assert.Equal(t, []string{"ndk_http_module.so"}, report.Duplicates)
	assert.Equal(t, []string{"ngx_http_set_misc_module.so"}, report.Missing)
}

func TestReconcile_UnknownConventionLeftUntouched(t *testing.T) {
	in := "; load_module modules/ndk_http_module.so;\n/* load_module modules/ngx_http_set_misc_module.so; */\n"

	out, report := Reconcile(in, defaultModules[:2])

	assert.Equal(t, in, out)
	assert.ElementsMatch(t, []string{"ndk_http_module.so", "ngx_http_set_misc_module.so"}, report.Missing)
}

func TestReconcile_KeepsCRLF(t *testing.T) {
	in := "# load_module modules/ndk_http_module.so;\r\nevents {}\r\n"

	out, _ := Reconcile(in, []Module{{Artifact: "ndk_http_module.so"}})

	assert.Equal(t, "load_module modules/ndk_http_module.so;\r\nevents {}\r\n", out)
}

func TestReconcile_DefaultSuffixFromFeature(t *testing.T) {
	in := "geoip2_proxy_recursive on; # geoip2-disabled\n# geoip2-disabled\n"

	out, _ := Reconcile(in, []Module{{Artifact: "ngx_http_geoip2_module.so", Feature: "geoip2"}})

	assert.Equal(t, "geoip2_proxy_recursive on;\n# geoip2-disabled\n", out)
}

func TestParseLine(t *testing.T) {
	l := ParseLine(`    ## load_module "modules/x.so"; # trailing`)

	assert.True(t, l.Disabled)
	assert.Equal(t, "    ", l.Indent)
	assert.Equal(t, "load_module", l.Name)
	assert.Equal(t, `"modules/x.so"`, l.Args)
	assert.Equal(t, ";", l.Term)
	assert.Equal(t, "modules/x.so", l.FirstArg())
	assert.True(t, l.LoadsArtifact("x.so"))

	prose := ParseLine("# this file is managed by hand")
	assert.False(t, prose.IsDirective())

	closing := ParseLine("  #}")
	assert.True(t, closing.ClosesBlock())
}

func TestParse_RoundTrip(t *testing.T) {
	assert.Equal(t, disabledConf, Render(Parse(disabledConf)))
}

func TestActiveLoadDirectives(t *testing.T) {
	got := ActiveLoadDirectives(enabledConf)

	assert.Equal(t, []string{
		"load_module modules/ndk_http_module.so;",
		"load_module modules/ngx_http_set_misc_module.so;   # needs ndk",
		`load_module "/usr/lib/nginx/modules/ngx_http_geoip2_module.so";`,
	}, got)
}

func TestReconcileFile_RewritesInPlaceKeepingMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nginx.conf")
	require.NoError(t, os.WriteFile(path, []byte(disabledConf), 0640))

	report, err := ReconcileFile(path, defaultModules)

	require.NoError(t, err)
	assert.True(t, report.Changed())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, enabledConf, string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), e.Name())
	}
}

func TestReconcileFile_Missing(t *testing.T) {
	_, err := ReconcileFile(filepath.Join(t.TempDir(), "nginx.conf"), defaultModules)

	assert.Error(t, err)
}

var geoip2Only = []Module{{Artifact: "ngx_http_geoip2_module.so", Feature: "geoip2"}}

func TestReconcile_OneLineFeatureBlockLeavesLaterLinesAlone(t *testing.T) {
	in := "http {\n    # geoip2 /db.mmdb { auto_reload 5m; }\n    # gzip on;\n    server {\n        # listen 443 ssl;\n    }\n}\n"

	out, report := Reconcile(in, geoip2Only)

	assert.Equal(t, "http {\n    geoip2 /db.mmdb { auto_reload 5m; }\n    # gzip on;\n    server {\n        # listen 443 ssl;\n    }\n}\n", out)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, 2, report.Changes[0].LineNo)
}

func TestReconcile_ActiveLineEndsUnclosedFeatureBlock(t *testing.T) {
	in := "http {\n    # geoip2 /db.mmdb {\n        # auto_reload 5m;\n    }\n    # gzip on;\n}\n"

	out, _ := Reconcile(in, geoip2Only)

	assert.Equal(t, "http {\n    geoip2 /db.mmdb {\n        auto_reload 5m;\n    }\n    # gzip on;\n}\n", out)
}

func TestReconcile_NestedFeatureBlock(t *testing.T) {
	in := "# geoip2 /db.mmdb {\n    # source $remote_addr;\n    # metadata {\n        # build_epoch;\n    # }\n# }\n# gzip on;\n"

	out, _ := Reconcile(in, geoip2Only)

	assert.Equal(t, "geoip2 /db.mmdb {\n    source $remote_addr;\n    metadata {\n        build_epoch;\n    }\n}\n# gzip on;\n", out)
}

func TestBraceDelta(t *testing.T) {
	assert.Equal(t, 1, braceDelta("geoip2 /db.mmdb {"))
	assert.Equal(t, 0, braceDelta("geoip2 /db.mmdb { auto_reload 5m; }"))
	assert.Equal(t, -1, braceDelta("} # end of geoip2 {"))
	assert.Equal(t, 1, braceDelta(`map "{" $x {`))
}
