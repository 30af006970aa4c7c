package dashboard

// HTML templates for the dashboard pages, parsed at startup.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Custody Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>
        .mono { font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; }
        .data-preview { max-height: 200px; overflow-y: auto; word-break: break-all; }
    </style>
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center justify-between h-16">
                <a href="/" class="text-xl font-bold text-white">Custody</a>
                <form action="/accounts/" method="get" class="flex items-center space-x-2">
                    <input name="pubkey" placeholder="Token account" class="mono bg-gray-700 rounded px-3 py-1 text-sm w-96">
                    <button class="bg-blue-600 hover:bg-blue-500 rounded px-3 py-1 text-sm">Look up</button>
                </form>
            </div>
        </div>
    </nav>
    <main class="container mx-auto px-4 py-8">
        {{.Content}}
    </main>
</body>
</html>`

const homeTemplate = `{{with .Status}}
<div class="grid grid-cols-1 md:grid-cols-4 gap-4 mb-8">
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-sm text-gray-400">Status</div>
        <div class="text-2xl font-bold {{if .IsRunning}}text-green-400{{else}}text-gray-400{{end}}">{{if .IsRunning}}Running{{else}}Stopped{{end}}</div>
        <div class="text-sm text-gray-400">up {{.Uptime}}</div>
    </div>
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-sm text-gray-400">Slot</div>
        <div class="text-2xl font-bold">{{.Slot}}</div>
        <div class="text-sm text-gray-400">{{.AccountsCount}} accounts</div>
    </div>
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-sm text-gray-400">Transactions</div>
        <div class="text-2xl font-bold">{{.TxsExecuted}}</div>
        <div class="text-sm text-gray-400">{{.TxsFailed}} failed</div>
    </div>
    <div class="bg-gray-800 rounded-lg p-4">
        <div class="text-sm text-gray-400">Treasury balance</div>
        <div class="text-2xl font-bold">{{if .TreasuryBalance}}{{.TreasuryBalance}}{{else}}N/A{{end}}</div>
        <div class="text-sm {{if .Consistent}}text-green-400{{else}}text-red-400{{end}}">{{if .Consistent}}consistent{{else}}inconsistent{{end}}</div>
    </div>
</div>

<div class="bg-gray-800 rounded-lg p-4 mb-8">
    <dl class="grid grid-cols-1 gap-2 mono text-sm">
        <div><dt class="inline text-gray-400">Authority</dt> <dd class="inline">{{.Authority}}</dd></div>
        {{if .Treasury}}<div><dt class="inline text-gray-400">Treasury</dt> <dd class="inline"><a class="text-blue-400" href="/accounts/{{.Treasury}}">{{.Treasury}}</a></dd></div>{{end}}
        {{if .LastError}}<div><dt class="inline text-gray-400">Last error</dt> <dd class="inline text-red-400">{{.LastError}}</dd></div>{{end}}
    </dl>
</div>
{{end}}

<h2 class="text-lg font-semibold mb-4">Recent claims</h2>
<table class="w-full text-sm bg-gray-800 rounded-lg">
    <thead class="text-gray-400">
        <tr><th class="text-left p-2">Signature</th><th class="text-left p-2">Slot</th><th class="text-left p-2">Result</th><th class="text-left p-2">Time</th></tr>
    </thead>
    <tbody>
    {{range .Claims}}
        <tr class="border-t border-gray-700">
            <td class="p-2 mono">{{truncateHash .Signature 8}}</td>
            <td class="p-2">{{.Slot}}</td>
            <td class="p-2">{{if .Success}}<span class="text-green-400">ok</span>{{else}}<span class="text-red-400">{{.Error}}{{if .Code}} ({{.Code}}){{end}}</span>{{end}}</td>
            <td class="p-2">{{formatTime .Time}}</td>
        </tr>
    {{else}}
        <tr><td class="p-2 text-gray-400" colspan="4">No claims journaled</td></tr>
    {{end}}
    </tbody>
</table>`

const accountDetailTemplate = `<h2 class="text-lg font-semibold mb-4 mono">{{.Pubkey}}</h2>
{{if .Error}}
<div class="bg-red-900 rounded-lg p-4">{{.Error}}</div>
{{end}}
{{with .Account}}
<div class="bg-gray-800 rounded-lg p-4 mb-4">
    <dl class="grid grid-cols-1 gap-2 text-sm">
        <div><dt class="inline text-gray-400">Lamports</dt> <dd class="inline">{{.Lamports}}</dd></div>
        <div><dt class="inline text-gray-400">Owner</dt> <dd class="inline mono">{{.Owner}}</dd></div>
        <div><dt class="inline text-gray-400">Data</dt> <dd class="inline">{{.DataLen}} bytes</dd></div>
    </dl>
</div>
{{with .Token}}
<div class="bg-gray-800 rounded-lg p-4 mb-4">
    <h3 class="font-semibold mb-2">Token account{{if .IsTreasury}} (treasury){{end}}</h3>
    <dl class="grid grid-cols-1 gap-2 text-sm">
        <div><dt class="inline text-gray-400">Mint</dt> <dd class="inline mono">{{.Mint}}</dd></div>
        <div><dt class="inline text-gray-400">Owner</dt> <dd class="inline mono">{{.Owner}}</dd></div>
        <div><dt class="inline text-gray-400">Amount</dt> <dd class="inline">{{.Amount}}</dd></div>
        <div><dt class="inline text-gray-400">State</dt> <dd class="inline">{{.State}}</dd></div>
    </dl>
</div>
{{end}}
{{if .DataHex}}<pre class="bg-gray-800 rounded-lg p-4 mono text-xs data-preview">{{.DataHex}}</pre>{{end}}
{{end}}`
