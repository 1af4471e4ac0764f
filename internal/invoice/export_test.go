package invoice

var ResolveAccount = resolveAccount
